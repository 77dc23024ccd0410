package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"omroncip/capture"
	"omroncip/cip"
	"omroncip/eip"
	"omroncip/omron"
	"omroncip/plcsim"
)

// runCommand dispatches a one-shot subcommand and returns the exit code.
func runCommand(name string, args []string) int {
	var err error
	switch name {
	case "read":
		err = cmdRead(args)
	case "write":
		err = cmdWrite(args)
	case "identify":
		err = cmdIdentify(args)
	case "discover":
		err = cmdDiscover(args)
	case "sim":
		err = cmdSim(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", name)
		usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// plcFlags are the connection flags shared by read, write and identify.
type plcFlags struct {
	fs      *flag.FlagSet
	address *string
	port    *uint
	slot    *uint
	timeout *time.Duration
}

func newPLCFlags(name, usage string) *plcFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &plcFlags{
		fs:      fs,
		address: fs.String("a", "", "PLC address (host or host:port)"),
		port:    fs.Uint("port", uint(eip.DefaultPort), "EtherNet/IP TCP port"),
		slot:    fs.Uint("slot", 0, "CPU backplane slot"),
		timeout: fs.Duration("timeout", 5*time.Second, "Request timeout"),
	}
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: omroncip %s -a <address> %s\n", name, usage)
		fs.PrintDefaults()
	}
	return f
}

// connect parses args and opens a client. The returned closer also finalizes any
// capture file.
func (f *plcFlags) connect(args []string) (*omron.Client, []string, func(), error) {
	if err := f.fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if *f.address == "" {
		f.fs.Usage()
		return nil, nil, nil, fmt.Errorf("-a is required")
	}

	opts := []omron.Option{
		omron.WithPort(uint16(*f.port)),
		omron.WithSlot(byte(*f.slot)),
		omron.WithTimeout(*f.timeout),
	}
	var rec *capture.Recorder
	if *capturePath != "" {
		var err error
		if rec, err = capture.Create(*capturePath); err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, omron.WithRecorder(rec.Flow(*f.address)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *f.timeout)
	defer cancel()
	client, err := omron.Connect(ctx, *f.address, opts...)
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		return nil, nil, nil, err
	}
	return client, f.fs.Args(), func() {
		client.Close()
		if rec != nil {
			rec.Close()
		}
	}, nil
}

func cmdRead(args []string) error {
	f := newPLCFlags("read", "[-count n] <tag> [tag...]")
	count := f.fs.Int("count", 1, "Elements to read (single tag only)")
	client, tags, done, err := f.connect(args)
	if err != nil {
		return err
	}
	defer done()
	if len(tags) == 0 {
		return fmt.Errorf("no tags given")
	}

	ctx := context.Background()
	var results []omron.Result
	if *count > 1 {
		if len(tags) != 1 {
			return fmt.Errorf("-count needs exactly one tag")
		}
		results = []omron.Result{client.ReadArray(ctx, tags[0], *count)}
	} else {
		results, _ = client.ReadMany(ctx, tags...)
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			fmt.Printf("%s: %s\n", r.Tag, r.Message)
			continue
		}
		fmt.Printf("%s = %v (%s)\n", r.Tag, r.Content.GoValue(), r.Content.Type())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reads failed", failed, len(results))
	}
	return nil
}

func cmdWrite(args []string) error {
	f := newPLCFlags("write", "<tag> <type> <value>")
	client, rest, done, err := f.connect(args)
	if err != nil {
		return err
	}
	defer done()
	if len(rest) != 3 {
		return fmt.Errorf("expected <tag> <type> <value>, got %d arguments", len(rest))
	}

	typ, ok := cip.TypeFromName(rest[1])
	if !ok {
		return fmt.Errorf("%w: %s", cip.ErrUnsupportedType, rest[1])
	}
	value, err := cip.ParseValue(typ, rest[2])
	if err != nil {
		return err
	}

	r := client.Write(context.Background(), rest[0], typ, value)
	if !r.Success {
		return fmt.Errorf("%s: %s", rest[0], r.Message)
	}
	fmt.Printf("%s <- %v (%s)\n", rest[0], value, typ)
	return nil
}

func cmdIdentify(args []string) error {
	f := newPLCFlags("identify", "")
	client, _, done, err := f.connect(args)
	if err != nil {
		return err
	}
	defer done()

	id, err := client.Identity(context.Background())
	if err != nil {
		return err
	}
	printIdentity(*id)
	return nil
}

func printIdentity(id eip.Identity) {
	fmt.Printf("Product:   %s\n", id.ProductName)
	fmt.Printf("Vendor:    0x%04X  Device type: 0x%04X  Product code: 0x%04X\n", id.VendorID, id.DeviceType, id.ProductCode)
	fmt.Printf("Revision:  %s\n", id.Revision())
	fmt.Printf("Serial:    %08X\n", id.SerialNumber)
	fmt.Printf("Status:    0x%04X  State: 0x%02X\n", id.Status, id.State)
	if id.IP != nil {
		fmt.Printf("Address:   %s:%d\n", id.IP, id.Port)
	}
}

func cmdDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	broadcast := fs.String("broadcast", "255.255.255.255", "Broadcast address")
	timeout := fs.Duration("timeout", 2*time.Second, "How long to wait for replies")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := eip.Discover(context.Background(), *broadcast, *timeout)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No devices found.")
		return nil
	}
	for i, id := range ids {
		if i > 0 {
			fmt.Println()
		}
		printIdentity(id)
	}
	return nil
}

// parseSimTag parses NAME:TYPE=VALUE, where VALUE may be a comma-separated list.
func parseSimTag(s string) (name string, typ cip.DataType, value any, err error) {
	decl, text, ok := strings.Cut(s, "=")
	if !ok {
		return "", 0, nil, fmt.Errorf("tag %q: expected NAME:TYPE=VALUE", s)
	}
	name, typeName, ok := strings.Cut(decl, ":")
	if !ok || name == "" {
		return "", 0, nil, fmt.Errorf("tag %q: expected NAME:TYPE=VALUE", s)
	}
	typ, ok = cip.TypeFromName(typeName)
	if !ok {
		return "", 0, nil, fmt.Errorf("tag %q: %w: %s", s, cip.ErrUnsupportedType, typeName)
	}
	value, err = cip.ParseValue(typ, text)
	if err != nil {
		return "", 0, nil, fmt.Errorf("tag %q: %w", s, err)
	}
	return name, typ, value, nil
}

func cmdSim(args []string) error {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	listen := fs.String("listen", fmt.Sprintf("127.0.0.1:%d", eip.DefaultPort), "Listen address")
	noMulti := fs.Bool("no-multi", false, "Reject Multiple Service Packets")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: omroncip sim [-listen addr] NAME:TYPE=VALUE...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	var opts []plcsim.Option
	if *noMulti {
		opts = append(opts, plcsim.WithoutMultiService())
	}
	sim := plcsim.New(opts...)
	for _, arg := range fs.Args() {
		name, typ, value, err := parseSimTag(arg)
		if err != nil {
			return err
		}
		if err := sim.SetTag(name, typ, value); err != nil {
			return fmt.Errorf("tag %q: %w", arg, err)
		}
	}

	if err := sim.Listen(*listen); err != nil {
		return err
	}
	defer sim.Close()
	fmt.Printf("Simulated PLC listening on %s with %d tag(s). Press Ctrl+C to stop.\n", sim.Addr(), len(fs.Args()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Printf("\nServed %d request(s)\n", sim.Requests())
	return nil
}
