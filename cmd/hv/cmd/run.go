/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	hypervisor "github.com/blacktop/go-rvhv"
	"github.com/blacktop/go-rvhv/internal/rvsim"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Exit is one VM exit as shown in a report.
type Exit struct {
	Cause   string `json:"cause" yaml:"cause"`
	Sepc    string `json:"sepc" yaml:"sepc"`
	Tval    string `json:"tval,omitempty" yaml:"tval,omitempty"`
	Outcome string `json:"outcome" yaml:"outcome"`
}

// GuestState is the guest register file after the last exit, keyed by ABI
// name.
type GuestState struct {
	Registers map[string]string `json:"registers" yaml:"registers"`
	Sepc      string            `json:"sepc" yaml:"sepc"`
	Sstatus   string            `json:"sstatus" yaml:"sstatus"`
	Hstatus   string            `json:"hstatus" yaml:"hstatus"`
}

// Report is what run and demo print.
type Report struct {
	Exits    []Exit             `json:"exits" yaml:"exits"`
	Guest    *GuestState        `json:"guest,omitempty" yaml:"guest,omitempty"`
	Metrics  hypervisor.Metrics `json:"metrics" yaml:"metrics"`
	Duration string             `json:"duration" yaml:"duration"`
	Error    string             `json:"error,omitempty" yaml:"error,omitempty"`
}

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [image]",
	Short: "Run a RISC-V guest image and report its exits",
	Long: `Run a guest image in VS-mode until it shuts down through SBI reset.

The image is either a flat binary or an RV64 ELF executable and is read
from the file argument, or from stdin when no file is given. The report
is written to stdout as JSON or YAML (--output).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			path := args[0]
			return runGuest(cmd, path, func(as hypervisor.GuestAddressSpace, entry uint64) error {
				return hypervisor.LoadImageFile(as, path, entry)
			})
		}
		image, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		if len(image) == 0 {
			return fmt.Errorf("no image provided")
		}
		return runGuest(cmd, "stdin", imageLoader(image))
	},
}

// loadFunc places the guest image in as.
type loadFunc func(as hypervisor.GuestAddressSpace, entry uint64) error

func imageLoader(image []byte) loadFunc {
	return func(as hypervisor.GuestAddressSpace, entry uint64) error {
		return hypervisor.LoadImage(as, bytes.NewReader(image), int64(len(image)), entry)
	}
}

// ExitCode maps an error returned by Execute to a process exit status: 2
// when the guest could not be loaded or its run was aborted, 1 for any
// other failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var hvErr *hypervisor.HVError
	if errors.As(err, &hvErr) && hvErr.Code.Fatal() {
		return 2
	}
	return 1
}

// runGuest loads an image through load, runs it on a software hart and
// prints the report. A run that ends in a fatal error still prints what it
// saw before returning it.
func runGuest(cmd *cobra.Command, name string, load loadFunc) error {
	if ok, err := hypervisor.Supported(); !ok {
		log.WithError(err).Debug("host has no H extension; using the software hart")
	}

	entry := viper.GetUint64(flagEntry)
	memSize := viper.GetUint64(flagMemSize)

	aspace := hypervisor.NewAddressSpace()
	if _, err := aspace.AllocateRAM(entry, memSize, hypervisor.MemRWX); err != nil {
		aspace.Close()
		return fmt.Errorf("failed to allocate guest RAM: %w", err)
	}
	if err := load(aspace, entry); err != nil {
		aspace.Close()
		return fmt.Errorf("failed to load %s: %w", name, err)
	}

	var opts []rvsim.Option
	if n := viper.GetUint64(flagTimerInterval); n > 0 {
		opts = append(opts, rvsim.WithTimer(n))
	}
	hart := rvsim.New(aspace, opts...)

	hypervisor.ResetMetrics()
	vm, err := hypervisor.NewVM(hart, aspace, hypervisor.Config{
		Entry:    entry,
		MaxExits: viper.GetInt(flagMaxExits),
		Logger:   log,
	})
	if err != nil {
		aspace.Close()
		return fmt.Errorf("failed to create VM: %w", err)
	}
	defer vm.Close()

	log.WithFields(logrus.Fields{
		"entry":    fmt.Sprintf("0x%x", entry),
		"mem_size": memSize,
		"image":    name,
	}).Info("starting guest")

	res, runErr := vm.Run()
	report := newReport(res, runErr)
	if runErr != nil {
		log.WithError(runErr).Error("guest run failed")
	} else {
		log.WithField("exits", len(report.Exits)).Info("guest shut down")
	}

	if err := writeReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	return runErr
}

func newReport(res *hypervisor.RunResult, runErr error) *Report {
	r := &Report{Metrics: hypervisor.GetMetrics()}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if res == nil {
		return r
	}

	r.Duration = res.Duration.Round(time.Microsecond).String()
	for _, e := range res.Exits {
		x := Exit{
			Cause:   e.Cause.String(),
			Sepc:    fmt.Sprintf("0x%x", e.Sepc),
			Outcome: e.Outcome.String(),
		}
		if e.Tval != 0 {
			x.Tval = fmt.Sprintf("0x%x", e.Tval)
		}
		r.Exits = append(r.Exits, x)
	}

	g := res.Guest
	state := &GuestState{
		Registers: make(map[string]string, hypervisor.NumGPRs),
		Sepc:      fmt.Sprintf("0x%x", g.Sepc),
		Sstatus:   fmt.Sprintf("0x%x", g.Sstatus),
		Hstatus:   fmt.Sprintf("0x%x", g.Hstatus),
	}
	for i := hypervisor.Zero; i < hypervisor.NumGPRs; i++ {
		state.Registers[i.String()] = fmt.Sprintf("0x%x", g.GPRs[i])
	}
	r.Guest = state
	return r
}

func writeReport(w io.Writer, r *Report) error {
	switch viper.GetString(flagOutput) {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		return enc.Close()
	default:
		out, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}
}
