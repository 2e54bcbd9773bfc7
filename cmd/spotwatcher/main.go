package main

import "spot-alerts/internal/cli"

func main() {
	cli.Execute()
}
