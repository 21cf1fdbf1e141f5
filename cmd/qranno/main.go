package main

import "github.com/MeKo-Tech/qranno/cmd/qranno/cmd"

func main() {
	cmd.Execute()
}
