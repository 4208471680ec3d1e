// The main package for the article-enhancer executable.
package main

import (
	"github.com/JakeFAU/article-enhancer/cmd"
)

func main() {
	cmd.Execute()
}
