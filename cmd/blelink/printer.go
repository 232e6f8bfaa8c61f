package main

import (
	"github.com/fatih/color"
)

// printWarn prints a warning to the screen.
func printWarn(message string) {
	message = "[-] " + message

	color.New(color.FgYellow, color.Bold).Fprintln(color.Error, message)
}

// printError prints an error to the screen.
func printError(err error) {
	message := "[!] " + err.Error()

	color.New(color.FgRed, color.Bold).Fprintln(color.Error, message)
}

// printInfo prints a status line to the screen.
func printInfo(message string) {
	color.New(color.FgGreen).Fprintln(color.Error, "[+] "+message)
}
