/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/ssargent/rmemtree/cmd/rtreectl/cmd"

func main() {
	cmd.Execute()
}
