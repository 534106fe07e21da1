package main

import (
	"testing"
)

func TestVersionCommandJSON(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)
	jsonOut = true

	output, err := captureOutput(t, func() error {
		rootCmd.SetArgs([]string{"version", "--json"})
		return rootCmd.Execute()
	})
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	assertJSON(t, output)
	assertContains(t, output, []string{`"module": "github.com/joshuapare/devmem"`})
}
