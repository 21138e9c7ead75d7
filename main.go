package main

import "github.com/kidsearch/crawler/cmd"

func main() {
	cmd.Execute()
}
