package main

import (
	_ "github.com/mattn/go-sqlite3"

	"github.com/Martian-dev/mailsync/internal/cli"
)

func main() {
	cli.Execute()
}
