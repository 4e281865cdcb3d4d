// Command schedule runs the talk scheduler offline: it reads a JSON
// proposal set from a file or stdin, solves it and writes the assigned
// set to stdout. The same solver backs the admin endpoint; this binary
// exists for dry runs against exported proposal dumps.
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/scheduler"
)

func main() {
	in := io.Reader(os.Stdin)
	if len(os.Args) > 1 {
		f, err := os.Open(os.Args[1])
		if err != nil {
			logrus.WithError(err).Fatal("open input")
		}
		defer f.Close()
		in = f
	}

	var proposals []*model.Proposal
	if err := json.NewDecoder(in).Decode(&proposals); err != nil {
		logrus.WithError(err).Fatal("decode proposals")
	}
	if err := scheduler.Schedule(proposals); err != nil {
		logrus.WithError(err).Fatal("schedule")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(proposals); err != nil {
		logrus.WithError(err).Fatal("encode result")
	}
}
