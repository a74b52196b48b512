package main

import (
	"log"

	"dicehouse/services/diced"
)

func main() {
	if err := diced.Main(); err != nil {
		log.Fatalf("diced: %v", err)
	}
}
