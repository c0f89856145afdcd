// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/jcodagnone/whereami/cmd"
)

var Version = "development"

func main() {
	cmd.Execute(Version)
}
