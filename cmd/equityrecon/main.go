package main

import "equity-recon/internal/cli"

func main() {
	cli.Execute()
}
