package main

import "github.com/tonystef/grov/cmd"

func main() {
	cmd.Execute()
}
