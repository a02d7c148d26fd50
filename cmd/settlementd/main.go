package main

import (
	"log"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd"
)

func main() {
	if err := settlementd.Main(); err != nil {
		log.Fatalf("settlementd: %v", err)
	}
}
