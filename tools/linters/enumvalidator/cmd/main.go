package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"stagegraph.app/planner/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
