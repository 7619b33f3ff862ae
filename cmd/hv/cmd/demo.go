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
	hypervisor "github.com/blacktop/go-rvhv"
	"github.com/blacktop/go-rvhv/internal/rvsim"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

// demoImage reads mhartid, which the host emulates by loading the
// shutdown signature into a0/a1, and then asks for a system reset.
func demoImage() []byte {
	return rvsim.NewProgram().
		Csrr(hypervisor.A1, 0xf14).
		Li(hypervisor.A7, int64(hypervisor.SBIExtSRST)).
		Li(hypervisor.A6, 0).
		Ecall().
		Bytes()
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the built-in guest that emulates mhartid and shuts down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGuest(cmd, "demo", imageLoader(demoImage()))
	},
}
