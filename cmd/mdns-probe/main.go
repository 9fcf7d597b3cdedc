// Command mdns-probe dumps a captured mDNS datagram using
// golang.org/x/net/dns/dnsmessage as an independent cross-check against this
// module's own hand-rolled wire codec. It reads one raw UDP payload from
// stdin (or a file given as the sole argument) and prints every question
// and resource record dnsmessage decodes from it.
package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/net/dns/dnsmessage"
)

func main() {
	data, err := readInput()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mdns-probe:", err)
		os.Exit(1)
	}

	var parser dnsmessage.Parser
	header, err := parser.Start(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mdns-probe: parse header:", err)
		os.Exit(1)
	}
	fmt.Printf("header: id=%d response=%v authoritative=%v truncated=%v\n",
		header.ID, header.Response, header.Authoritative, header.Truncated)

	questions, err := parser.AllQuestions()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mdns-probe: questions:", err)
		os.Exit(1)
	}
	for _, q := range questions {
		fmt.Printf("question: %s %s %s\n", q.Name, q.Type, q.Class)
	}
	if err := parser.SkipAllQuestions(); err != nil {
		fmt.Fprintln(os.Stderr, "mdns-probe: skip questions:", err)
		os.Exit(1)
	}

	dumpResources(&parser, "answer")
	dumpResources(&parser, "authority")
	dumpResources(&parser, "additional")
}

func dumpResources(parser *dnsmessage.Parser, section string) {
	for {
		header, err := nextHeader(parser, section)
		if err != nil {
			return
		}
		body, err := parser.UnknownResource()
		if err != nil {
			fmt.Fprintf(os.Stderr, "mdns-probe: %s body: %v\n", section, err)
			return
		}
		fmt.Printf("%s: %s %s ttl=%d rdlength=%d\n", section, header.Name, header.Type, header.TTL, len(body.Data))
	}
}

func nextHeader(parser *dnsmessage.Parser, section string) (dnsmessage.ResourceHeader, error) {
	switch section {
	case "answer":
		return parser.AnswerHeader()
	case "authority":
		return parser.AuthorityHeader()
	default:
		return parser.AdditionalHeader()
	}
}

func readInput() ([]byte, error) {
	if len(os.Args) > 1 {
		return os.ReadFile(os.Args[1])
	}
	return io.ReadAll(os.Stdin)
}
