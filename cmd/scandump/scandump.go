package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pebbe/zmq4"
	"github.com/pqmlab/pqm"
)

func probe(nscan int, endpoint string) error {
	fmt.Printf("Probing %s for the first %d scans published...\n", endpoint, nscan)
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	defer socket.Close()
	if err := socket.Connect(endpoint); err != nil {
		return err
	}
	if err := socket.SetSubscribe(""); err != nil {
		return err
	}

	for i := 0; i < nscan; i++ {
		frames, err := socket.RecvMessageBytes(0)
		if err != nil {
			return err
		}
		if len(frames) != 2 {
			return fmt.Errorf("scan message has %d frames, want 2", len(frames))
		}
		header, err := pqm.ParseScanHeader(frames[0])
		if err != nil {
			return err
		}
		scan, err := pqm.DecodeScan(frames[1])
		if err != nil {
			return err
		}
		if len(scan) != header.Nsamples {
			return fmt.Errorf("scan %d has %d samples, header says %d", header.Seq, len(scan), header.Nsamples)
		}
		fmt.Printf("scan %8d channels %-28s", header.Seq, header.Mask)
		for _, v := range scan {
			fmt.Printf(" 0x%06x", uint32(v))
		}
		fmt.Println()
	}
	return nil
}

func main() {
	var nscan int
	var port int
	const default_host = "localhost"
	default_port := pqm.Ports.Scans
	host := default_host
	flag.IntVar(&nscan, "n", 10, "Number of scans to dump")
	flag.IntVar(&port, "port", default_port, "Scan port to subscribe to")
	flag.IntVar(&port, "p", default_port, "Scan port to subscribe to (shorthand)")

	flag.Usage = func() {
		fmt.Printf("scandump, for dumping the first N published scans, by default those from localhost:%d\n",
			default_port)
		fmt.Println("Usage: scandump [flags] [host][:port]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		host = flag.Arg(0)

		// If host ends in :portnum, split that off and update the port value
		if pieces := strings.Split(host, ":"); len(pieces) > 1 {
			if len(pieces) > 2 {
				fmt.Printf("Cannot parse host '%s' with %d colon separators\n", host, len(pieces)-1)
				return
			}
			attachedport, err := strconv.Atoi(pieces[1])
			if err != nil {
				fmt.Printf("Cannot convert port '%s' to integer\n", pieces[1])
				return
			}
			if port != default_port && port != attachedport {
				fmt.Printf("Cannot use -p argument and a conflicting host:port pair\n")
				return
			}
			if len(pieces[0]) != 0 {
				host = pieces[0]
			}
			port = attachedport
		}
	}

	endpoint := fmt.Sprintf("tcp://%s:%d", host, port)
	if err := probe(nscan, endpoint); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}
