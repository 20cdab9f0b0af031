// Package main provides rdsctl, a command line client for one-off runs and
// schedule inspection.
package main

import "github.com/joho/godotenv"

func main() {
	godotenv.Load()
	Execute()
}
