// main.go
//
// Entry point; the Cobra commands live in cmd/.

package main

import (
	"github.com/sidtrain/sidtrain/cmd"
)

func main() {
	cmd.Execute()
}
