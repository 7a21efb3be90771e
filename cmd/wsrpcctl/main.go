// Command wsrpcctl dials a wsrpc server and issues a single blocking
// RPC, printing the decoded answer. It is the client-side counterpart
// to wsrpcd, useful for probing a deployment by hand.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/coregx/wsrpc/wsrpc"
)

func main() {
	cmd := &cli.Command{
		Name:  "wsrpcctl",
		Usage: "issue a single wsrpc RPC against a server and print the answer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Required: true, Usage: "ws:// or wss:// server URL"},
			&cli.StringFlag{Name: "protocol", Value: "wsrpcjson", Usage: "Sec-WebSocket-Protocol to negotiate"},
			&cli.StringFlag{Name: "method", Value: "GET", Usage: "request method"},
			&cli.StringFlag{Name: "path", Value: "/", Usage: "request URL/path"},
			&cli.StringFlag{Name: "body", Usage: "request body"},
			&cli.StringFlag{Name: "content-type", Value: "application/json", Usage: "request content-type"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "overall deadline"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsrpcctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	protoName := cmd.String("protocol")
	proto := wsrpc.Protocol{Kind: wsrpc.KindRestJSON}
	if protoName == "wsrpcbinary" {
		proto.Kind = wsrpc.KindRestBinary
	}

	client, err := wsrpc.Dial(ctx, cmd.String("url"), protoName, proto, wsrpc.ConnOptions{})
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Request(ctx, cmd.String("method"), cmd.String("path"), http.Header{}, []byte(cmd.String("body")), cmd.String("content-type"))
	if err != nil {
		return err
	}

	fmt.Printf("status: %d\ncontent-type: %s\nbody: %s\n", resp.Status, resp.ContentType, resp.Body)
	return nil
}
