package main

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/netsession"
)

type sendOptions struct {
	service string
	header  map[string]string
	data    string
	timeout time.Duration
}

func newSendCommand(root *rootOptions) *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send TYPE",
		Short: "Send one message to a service and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.service, "service", "s", "data", "service to send to")
	cmd.Flags().StringToStringVarP(&opts.header, "header", "H", nil, "message header, key=value")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "message payload")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for the reply")
	return cmd
}

func runSend(cmd *cobra.Command, root *rootOptions, opts *sendOptions, msgType string) error {
	cfg, log, err := root.load()
	if err != nil {
		return err
	}

	s, err := cfg.NewSession(opts.service,
		netsession.LoggerOption(newSessionLogger(log)),
		netsession.NotifierOption(consoleNotifier{out: cmd.ErrOrStderr()}),
	)
	if err != nil {
		return err
	}
	defer s.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	reply, err := s.Call(ctx, netsession.Message{
		Type:    msgType,
		Header:  opts.header,
		Payload: []byte(opts.data),
	})
	if err != nil {
		return errors.Wrapf(err, "no reply from %s service", opts.service)
	}

	printMessage(cmd, reply)
	return nil
}

func printMessage(cmd *cobra.Command, m netsession.Message) {
	cmd.Printf("type: %s\n", m.Type)
	cmd.Printf("correlation: %d\n", m.Correlation)
	keys := make([]string, 0, len(m.Header))
	for k := range m.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Printf("header: %s=%s\n", k, m.Header[k])
	}
	cmd.Printf("payload: %s\n", m.Payload)
}
