// adminguard is the governance core for destructive admin actions.
package main

import "github.com/ppiankov/adminguard/internal/cli"

func main() {
	cli.Execute()
}
