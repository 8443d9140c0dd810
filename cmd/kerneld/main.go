// Adapted from cmd/sysbox-fs/main.go: a urfave/cli app that configures
// logrus in app.Before exactly the way the teacher does, constructs the
// kernel in app.Action, and runs a signal-handling goroutine modeled on
// the teacher's exitHandler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/sysbox-kernel/microkernel/boot"
	"github.com/sysbox-kernel/microkernel/kernel"
)

var (
	version  string
	commitId string
	builtAt  string
)

const usage = `kerneld

kerneld boots the kernel core: physical/virtual memory management, the
scheduler, the syscall queue, the Unix-domain socket core, and kernel<->
Router messaging. It blocks waiting for the Router (lumen) to connect on
the privileged kernel socket and then serves requests until terminated.
`

// exitHandler mirrors the teacher's exitHandler goroutine: dump stacks for
// fault-ish signals, notify systemd we're stopping, shut the kernel down
// gracefully, then exit.
func exitHandler(signalChan chan os.Signal, k *kernel.Kernel, prof interface{ Stop() }) {
	s := <-signalChan

	logrus.Warnf("kerneld caught signal: %s", s)
	logrus.Info("Stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGSEGV:
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	k.Shutdown()

	if prof != nil {
		prof.Stop()
	}

	logrus.Info("Exiting ...")
	os.Exit(0)
}

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuOn := ctx.Bool("cpu-profiling")
	memOn := ctx.Bool("memory-profiling")

	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !cpuOn && !memOn {
		return nil, nil
	}

	if cpuOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
}

func main() {
	app := cli.NewApp()
	app.Name = "kerneld"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "ramdisk",
			Value: "/boot/ramdisk",
			Usage: "path to the directory standing in for the boot ramdisk (must contain lumen)",
		},
		cli.StringFlag{
			Name:  "kernel-socket",
			Value: kernel.KernelSocketAddr,
			Usage: "bind address for the privileged kernel socket",
		},
		cli.IntFlag{
			Name:  "cpus",
			Value: 1,
			Usage: "number of simulated CPUs / scheduler runqueues",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path, or empty string for stderr output",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("kerneld\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n", c.App.Version, commitId, builtAt)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info", "":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. Exiting ...", ctx.GlobalString("log-level"))
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		logrus.Info("Initiating kerneld ...")

		ramdiskFs := afero.NewBasePathFs(afero.NewOsFs(), ctx.String("ramdisk"))
		boot.MustCheckRamdisk(ramdiskFs)

		numCPU := ctx.Int("cpus")
		if numCPU < 1 {
			numCPU = 1
		}

		k := kernel.New(numCPU, 0, 256*1024*1024)

		prof, err := runProfiler(ctx)
		if err != nil {
			logrus.Fatal(err)
		}

		exitChan := make(chan os.Signal, 1)
		signal.Notify(exitChan,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGSEGV,
			syscall.SIGQUIT)
		go exitHandler(exitChan, k, prof)

		systemd.SdNotify(false, systemd.SdNotifyReady)

		logrus.Info("Ready, waiting for Router ...")

		bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := k.Boot(bootCtx); err != nil {
			return fmt.Errorf("failed to bring up kernel: %w", err)
		}

		logrus.Info("Router connected. Done.")

		select {}
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
