package main

import (
	"log"

	"github.com/hunter-volkman/stock-report/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
