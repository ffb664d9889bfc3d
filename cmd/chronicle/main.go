package main

import (
	"bufio"
	"code.cloudfoundry.org/bytefmt"
	"context"
	"fmt"
	chronicle "github.com/echo-ray/Chronicle-Queue"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"os"
	"os/signal"
	"syscall"
)

var (
	flagBaseDir   string
	flagCfgFile   string
	flagRollCycle string
	flagBlockSize string
	flagTimeoutMs int64
	flagCompress  bool
	flagFrom      int64
	flagFollow    bool
)

func main() {
	c := &cobra.Command{
		Use:   "chronicle",
		Short: "Inspects and feeds a chronicle queue directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	c.PersistentFlags().StringVarP(&flagBaseDir, "dir", "d", "", "queue directory")
	c.PersistentFlags().StringVarP(&flagCfgFile, "config", "c", "", "queue config file, overrides the other queue flags")
	c.PersistentFlags().StringVar(&flagRollCycle, "roll-cycle", "DAILY", "roll cycle of the queue")
	c.PersistentFlags().StringVar(&flagBlockSize, "block-size", "64M", "size of new cycle files")
	c.PersistentFlags().Int64Var(&flagTimeoutMs, "timeout-ms", 10000, "how long to wait on a stalled writer before recovering its record")
	c.PersistentFlags().BoolVar(&flagCompress, "compress", false, "records are snappy compressed")

	c.AddCommand(dumpCmd, tailCmd, appendCmd)

	if err := c.Execute(); err != nil {
		os.Exit(1)
	}
}

var dumpCmd = &cobra.Command{
	Use:     "dump",
	Short:   "Prints every cycle file of the queue",
	Example: "chronicle dump -d /var/lib/queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(true)
		if err != nil {
			return err
		}
		defer q.Close()

		out, err := q.Dump()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:     "tail",
	Short:   "Prints the records of the queue",
	Example: "chronicle tail -d /var/lib/queue --from 0x4b8000000 --follow",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(true)
		if err != nil {
			return err
		}
		defer q.Close()

		t := q.CreateTailer()
		if cmd.Flags().Changed("from") {
			if err = t.MoveTo(flagFrom); err != nil {
				return err
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		var total uint64
		for {
			var ex chronicle.Excerpt
			if flagFollow {
				if ex, err = t.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						break
					}
					return err
				}
			} else {
				var ok bool
				ex, ok, err = t.Next()
				if err != nil && !errors.Is(err, chronicle.ErrEndOfStore) {
					return err
				}
				if !ok {
					break
				}
			}
			total += uint64(len(ex.Payload))
			fmt.Printf("0x%x %s\n", ex.Index, ex.Payload)
		}

		fmt.Fprintf(os.Stderr, "read %s\n", bytefmt.ByteSize(total))
		return nil
	},
}

var appendCmd = &cobra.Command{
	Use:     "append [record...]",
	Short:   "Appends the arguments, or each line of stdin, as records",
	Example: "echo hello | chronicle append -d /var/lib/queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(false)
		if err != nil {
			return err
		}
		defer q.Close()

		a, err := q.AcquireAppender()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		var total uint64
		appendOne := func(record []byte) error {
			index, err := a.Append(ctx, record)
			if err != nil {
				return err
			}
			total += uint64(len(record))
			fmt.Printf("0x%x\n", index)
			return nil
		}

		if len(args) > 0 {
			for _, arg := range args {
				if err = appendOne([]byte(arg)); err != nil {
					return err
				}
			}
		} else {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if err = appendOne(scanner.Bytes()); err != nil {
					return err
				}
			}
			if err = scanner.Err(); err != nil {
				return err
			}
		}

		fmt.Fprintf(os.Stderr, "appended %s\n", bytefmt.ByteSize(total))
		return nil
	},
}

func init() {
	tailCmd.Flags().Int64Var(&flagFrom, "from", 0, "index to start reading at")
	tailCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "keep waiting for new records")
}

func openQueue(readOnly bool) (*chronicle.Queue, error) {
	if flagCfgFile != "" {
		return chronicle.OpenFile(flagCfgFile)
	}
	if flagBaseDir == "" {
		return nil, errors.New("either --dir or --config is required")
	}

	cfg := chronicle.DefaultCfg(flagBaseDir)
	cfg.RollCycle = flagRollCycle
	cfg.BlockSize = flagBlockSize
	cfg.TimeoutMs = flagTimeoutMs
	cfg.Compress = flagCompress
	cfg.ReadOnly = readOnly
	return chronicle.Open(cfg)
}
