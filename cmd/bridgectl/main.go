// Command bridgectl sends a single request to a running paybridge and prints
// the response.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/codefionn/paybridge/internal/bridgeclient"
	"github.com/codefionn/paybridge/internal/config"
	"github.com/codefionn/paybridge/internal/consts"
	"github.com/codefionn/paybridge/internal/protocol"
)

// errResponse marks an error response from the bridge; it maps to exit
// code 2
var errResponse = errors.New("bridge returned an error")

type options struct {
	url       string
	token     string
	timeout   time.Duration
	listen    time.Duration
	contextID string
	kind      string

	deviceID   string
	terminalID string
	language   string

	amount          int64
	currency        string
	reference       string
	transactionType string
	printReceipt    bool

	message    string
	durationMS int
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errResponse):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("bridgectl", flag.ContinueOnError)
	fs.StringVar(&opts.url, "url", "ws://"+consts.DefaultListenAddr+"/ws", "Bridge WebSocket URL")
	fs.StringVar(&opts.token, "token", os.Getenv(config.EnvAuthToken), "Auth token (default $"+config.EnvAuthToken+")")
	fs.DurationVar(&opts.timeout, "timeout", consts.Timeout60Seconds, "Time to wait for the response")
	fs.DurationVar(&opts.listen, "listen", 0, "Keep printing unsolicited messages for this long after the response")
	fs.StringVar(&opts.contextID, "context", "", "Context id (required)")
	fs.StringVar(&opts.kind, "type", string(protocol.KindStatus), "Request type")

	fs.StringVar(&opts.deviceID, "device", "", "initialize: device id")
	fs.StringVar(&opts.terminalID, "terminal", "", "initialize: terminal id")
	fs.StringVar(&opts.language, "language", "", "initialize: display language")

	fs.Int64Var(&opts.amount, "amount", 0, "process: amount in minor units")
	fs.StringVar(&opts.currency, "currency", "", "process: ISO 4217 currency code")
	fs.StringVar(&opts.reference, "reference", "", "process, finish: merchant reference")
	fs.StringVar(&opts.transactionType, "transaction-type", "", "process: transaction type")
	fs.BoolVar(&opts.printReceipt, "print-receipt", false, "finish: print a receipt")

	fs.StringVar(&opts.message, "message", "", "display_message: text to show")
	fs.IntVar(&opts.durationMS, "duration-ms", 0, "display_message: display time in milliseconds")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.contextID == "" {
		return nil, errors.New("-context is required")
	}
	return opts, nil
}

// buildRequest turns the flags into a request of the selected type
func buildRequest(opts *options) (*protocol.Request, error) {
	req := &protocol.Request{
		ContextID: opts.contextID,
		Type:      protocol.ParseKind(opts.kind),
		RawType:   opts.kind,
	}

	switch req.Type {
	case protocol.KindInitialize:
		req.Initialize = &protocol.InitializeParams{
			DeviceID:   opts.deviceID,
			TerminalID: opts.terminalID,
			Language:   opts.language,
		}
	case protocol.KindProcess:
		req.Process = &protocol.ProcessParams{
			Amount:          opts.amount,
			Currency:        opts.currency,
			Reference:       opts.reference,
			TransactionType: opts.transactionType,
		}
	case protocol.KindFinish:
		req.Finish = &protocol.FinishParams{
			Reference:    opts.reference,
			PrintReceipt: opts.printReceipt,
		}
	case protocol.KindDisplayMessage:
		req.DisplayMessage = &protocol.DisplayMessageParams{
			Message:    opts.message,
			DurationMS: opts.durationMS,
		}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	req, err := buildRequest(opts)
	if err != nil {
		return err
	}

	client, err := bridgeclient.NewClientWithConfig(&bridgeclient.Config{
		URL:            opts.url,
		AuthToken:      opts.token,
		RequestTimeout: opts.timeout,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Do(ctx, req)
	if err != nil {
		return err
	}

	pretty := isTerminal(out)
	if err := printResponse(out, resp, pretty); err != nil {
		return err
	}

	if opts.listen > 0 {
		timer := time.NewTimer(opts.listen)
		defer timer.Stop()
	listen:
		for {
			select {
			case msg, ok := <-client.Unsolicited():
				if !ok {
					break listen
				}
				if err := printResponse(out, msg, pretty); err != nil {
					return err
				}
			case <-timer.C:
				break listen
			}
		}
	}

	if resp.Type == protocol.ResponseError {
		return errResponse
	}
	return nil
}

func printResponse(out io.Writer, resp *protocol.Response, pretty bool) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		return err
	}
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			data = buf.Bytes()
		}
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
