package main

import (
	"github.com/outofforest/plexus/test/messages"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[messages.Text](),
		proton.Message[messages.Number](),
	)
}
