//go:build wasip1

// Command guest is an executor compiled to WebAssembly for the wasm
// transport tests:
//
//	GOOS=wasip1 GOARCH=wasm go build -o transport/wasm/testdata/guest.wasm ./transport/wasm/testdata/guest
package main

import (
	"context"
	"os"

	"github.com/caffeineduck/isobridge/executor"
	"github.com/caffeineduck/isobridge/transport"
	"github.com/caffeineduck/isobridge/wire"
)

func main() {
	reg := executor.NewRegistry()
	executor.RegisterBuiltins(reg)
	executor.NewKV(executor.DefaultKVConfig()).Register(reg)

	codec := wire.JSON()
	if len(os.Args) > 1 && os.Args[1] == "cbor" {
		codec = wire.CBOR()
	}

	t := transport.NewStream(os.Stdin, os.Stdout, codec, nil)
	if err := executor.NewServer(reg).Serve(context.Background(), t); err != nil {
		os.Exit(1)
	}
}
