package main

import (
	"os"

	"github.com/ela-project/driver/src/server"
)

func main() {
	server.Command(os.Args[1:])
}
