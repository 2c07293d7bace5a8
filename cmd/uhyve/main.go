//go:build !test

package main

import (
	"log"

	"github.com/hyvisor/uhyve/config"
)

func main() {
	if err := config.Parse(); err != nil {
		log.Fatal(err)
	}
}
