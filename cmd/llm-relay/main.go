package main

import (
	"log"

	"github.com/cottagephilosopher/llm-relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
