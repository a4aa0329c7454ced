package main

import "testing"

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	if root.Use != "relay" {
		t.Errorf("Use = %q", root.Use)
	}

	var hasServe bool
	for _, c := range root.Commands() {
		if c.Use == "serve" {
			hasServe = true
		}
	}
	if !hasServe {
		t.Error("serve subcommand missing")
	}
}
