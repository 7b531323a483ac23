// Command ledgerctl inspects and maintains the token ledger from a shell.
package main

func main() {
	Execute()
}
