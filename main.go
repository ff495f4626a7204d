// Command reconnectd publishes org.freedesktop.ReconnectExample on the system
// bus and keeps it published across bus restarts.
//
// To get the property:
//
//	busctl get-property org.freedesktop.ReconnectExample \
//	    /org/freedesktop/ReconnectExample \
//	    org.freedesktop.ReconnectExample Example
//	s "example"
package main

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"reconnectd/eventloop"
	"reconnectd/example"
)

const (
	exitSetup = 1
	exitLoop  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.NewEntry(logger)

	loop := eventloop.New(eventloop.WithLogger(log.WithField("component", "eventloop")))
	defer loop.Close()

	// The signal sources have no handler. They keep the loop from running out
	// of sources and make it return when they fire.
	for _, sig := range []os.Signal{unix.SIGINT, unix.SIGTERM} {
		if _, err := loop.AddSignal(sig); err != nil {
			log.WithError(err).WithField("signal", sig.String()).Error("Failed to add signal source")
			return exitLoop
		}
	}

	m := NewManager(loop, DefaultConfig(), example.NewProvider(example.DefaultValue),
		log.WithField("component", "manager"))
	defer func() {
		if err := m.Close(); err != nil {
			log.WithError(err).Warn("Failed to close bus")
		}
	}()

	if err := m.Setup(); err != nil {
		log.WithError(err).Error("Setup failed")
		return exitSetup
	}

	if err := loop.Run(context.Background()); err != nil {
		log.WithError(err).Error("Event loop failed")
		var se *SetupError
		if errors.As(err, &se) {
			return exitSetup
		}
		return exitLoop
	}

	if err := m.Shutdown(); err != nil {
		log.WithError(err).Warn("Failed to release bus name")
	} else {
		log.WithField("name", example.BusName).Info("Released bus name")
	}
	return 0
}
