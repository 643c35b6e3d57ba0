package main

import "github.com/dbsmedya/dbusreplay/cmd/dbusreplay/cmd"

func main() {
	cmd.Execute()
}
