package main

import (
	"github.com/outofforest/plexus/wire"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.Handshake](),
		proton.Message[wire.OpenStream](),
		proton.Message[wire.CloseStream](),
		proton.Message[wire.DataHeader](),
		proton.Message[wire.Data](),
		proton.Message[wire.Shutdown](),
	)
}
