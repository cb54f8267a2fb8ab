// Command purectl is the cluster/node/VM/pool inspection and control CLI:
// plain stdlib flag subcommand dispatch, golang.org/x/term for TTY
// detection, github.com/charmbracelet/x/ansi for table rendering, and
// github.com/schollz/progressbar/v3 driving the rebalance/evacuate
// progress bars.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "purectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing subcommand")
	}

	server := flag.String("server", "http://127.0.0.1:7100", "purevisord management API base URL")

	cmd := args[0]
	rest := args[1:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(server, "server", *server, "purevisord management API base URL")

	switch cmd {
	case "cluster":
		fs.Parse(rest)
		return cmdCluster(*server)
	case "nodes":
		fs.Parse(rest)
		return cmdNodes(*server)
	case "vms":
		fs.Parse(rest)
		return cmdVMs(*server)
	case "pool":
		fs.Parse(rest)
		return cmdPool(*server)
	case "vm":
		return cmdVM(*server, fs, rest)
	case "rebalance":
		fs.Parse(rest)
		return cmdRebalance(*server)
	case "evacuate":
		return cmdEvacuate(*server, fs, rest)
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: purectl <command> [flags]

Commands:
  cluster              show cluster quorum and leader status
  nodes                list cluster nodes
  vms                  list VMs
  vm create <name> <vcpus> <memoryMB>
  vm <start|stop|pause|resume> <id>
  vm trace <id>        dump per-VCPU exit traces
  pool                 show storage pool and volume status
  rebalance            trigger a scheduler rebalance pass
  evacuate <node-id>   evacuate all VMs off a node
`)
}

func apiGet(server, path string, out any) error {
	resp, err := http.Get(server + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiPost(server, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytesReader(data)
	}
	resp, err := http.Post(server+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}

// bold renders a header in bold when stdout is a terminal; plain pipes
// get undecorated text.
func bold(s string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	return ansi.Style{}.Bold().Styled(s)
}

type clusterView struct {
	Name       string `json:"name"`
	QuorumSize int    `json:"quorumSize"`
	HasQuorum  bool   `json:"hasQuorum"`
	LeaderID   uint32 `json:"leaderId"`
	IsLeader   bool   `json:"isLeader"`
	NodeCount  int    `json:"nodeCount"`
}

func cmdCluster(server string) error {
	var v clusterView
	if err := apiGet(server, "/v1/cluster", &v); err != nil {
		return err
	}
	fmt.Printf("%s\n", bold("Cluster "+v.Name))
	fmt.Printf("  nodes:       %d\n", v.NodeCount)
	fmt.Printf("  quorum size: %d\n", v.QuorumSize)
	fmt.Printf("  has quorum:  %v\n", v.HasQuorum)
	fmt.Printf("  leader:      %d (is-local=%v)\n", v.LeaderID, v.IsLeader)
	return nil
}

type nodeView struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	State   string `json:"state"`
	Health  int    `json:"healthScore"`
	VMCount int    `json:"vmCount"`
}

func cmdNodes(server string) error {
	var nodes []nodeView
	if err := apiGet(server, "/v1/nodes", &nodes); err != nil {
		return err
	}
	fmt.Printf("%-6s %-16s %-16s %-10s %-8s %-6s\n", "ID", "NAME", "ADDRESS", "STATE", "HEALTH", "VMS")
	for _, n := range nodes {
		fmt.Printf("%-6d %-16s %-16s %-10s %-8d %-6d\n", n.ID, n.Name, n.Address, n.State, n.Health, n.VMCount)
	}
	return nil
}

type vmView struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Node   uint32 `json:"hostNodeId"`
	VCPUs  int    `json:"vcpus"`
	Memory uint64 `json:"memoryBytes"`
}

func cmdVMs(server string) error {
	var vms []vmView
	if err := apiGet(server, "/v1/vms", &vms); err != nil {
		return err
	}
	fmt.Printf("%-6s %-16s %-10s %-6s %-6s %-12s\n", "ID", "NAME", "STATE", "NODE", "VCPUS", "MEMORY")
	for _, vm := range vms {
		fmt.Printf("%-6d %-16s %-10s %-6d %-6d %-12d\n", vm.ID, vm.Name, vm.State, vm.Node, vm.VCPUs, vm.Memory)
	}
	return nil
}

type poolView struct {
	State        string       `json:"state"`
	Devices      int          `json:"devices"`
	TotalExtents int          `json:"totalExtents"`
	FreeExtents  int          `json:"freeExtents"`
	Volumes      []volumeView `json:"volumes"`
}

type volumeView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      uint64 `json:"sizeBytes"`
	Extents   int    `json:"extents"`
	Allocated int    `json:"allocatedExtents"`
	Thin      bool   `json:"thin"`
}

func cmdPool(server string) error {
	var p poolView
	if err := apiGet(server, "/v1/pools", &p); err != nil {
		return err
	}
	fmt.Printf("%s\n", bold("Storage pool"))
	fmt.Printf("  state:        %s\n", p.State)
	fmt.Printf("  devices:      %d\n", p.Devices)
	fmt.Printf("  extents:      %d free / %d total\n", p.FreeExtents, p.TotalExtents)
	if len(p.Volumes) > 0 {
		fmt.Printf("%-36s %-16s %-12s %-10s %-5s\n", "ID", "NAME", "SIZE", "ALLOCATED", "THIN")
		for _, v := range p.Volumes {
			fmt.Printf("%-36s %-16s %-12d %d/%-8d %-5v\n", v.ID, v.Name, v.Size, v.Allocated, v.Extents, v.Thin)
		}
	}
	return nil
}

func cmdVM(server string, fs *flag.FlagSet, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("vm: missing action (create|start|stop|pause|resume|trace)")
	}
	action := args[0]
	fs.Parse(args[1:])
	rest := fs.Args()

	switch action {
	case "create":
		if len(rest) != 3 {
			return fmt.Errorf("vm create: want <name> <vcpus> <memoryMB>")
		}
		var vcpus int
		var memoryMB uint64
		if _, err := fmt.Sscanf(rest[1], "%d", &vcpus); err != nil {
			return fmt.Errorf("vm create: bad vcpus %q: %w", rest[1], err)
		}
		if _, err := fmt.Sscanf(rest[2], "%d", &memoryMB); err != nil {
			return fmt.Errorf("vm create: bad memoryMB %q: %w", rest[2], err)
		}
		var v vmView
		err := apiPost(server, "/v1/vms", map[string]any{
			"name": rest[0], "vcpus": vcpus, "memoryBytes": memoryMB << 20,
		}, &v)
		if err != nil {
			return err
		}
		fmt.Printf("created vm %d (%s), state=%s\n", v.ID, v.Name, v.State)
		return nil
	case "start", "stop", "force-stop", "pause", "resume":
		if len(rest) != 1 {
			return fmt.Errorf("vm %s: want <id>", action)
		}
		var v vmView
		if err := apiPost(server, fmt.Sprintf("/v1/vms/%s/%s", rest[0], action), nil, &v); err != nil {
			return err
		}
		fmt.Printf("vm %d now %s\n", v.ID, v.State)
		return nil
	case "trace":
		if len(rest) != 1 {
			return fmt.Errorf("vm trace: want <id>")
		}
		var traces []struct {
			VCPU  int      `json:"vcpu"`
			Lines []string `json:"lines"`
		}
		if err := apiGet(server, fmt.Sprintf("/v1/vms/%s/trace", rest[0]), &traces); err != nil {
			return err
		}
		for _, tr := range traces {
			fmt.Printf("%s\n", bold(fmt.Sprintf("vcpu %d", tr.VCPU)))
			for _, line := range tr.Lines {
				fmt.Printf("  %s\n", line)
			}
		}
		return nil
	default:
		return fmt.Errorf("vm: unknown action %q", action)
	}
}

func cmdRebalance(server string) error {
	bar := progressbar.NewOptions(1,
		progressbar.OptionSetDescription("rebalancing cluster"),
		progressbar.OptionSetWriter(os.Stdout),
	)
	if err := apiPost(server, "/v1/rebalance", nil, nil); err != nil {
		return err
	}
	bar.Add(1)
	fmt.Println()
	return nil
}

func cmdEvacuate(server string, fs *flag.FlagSet, args []string) error {
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("evacuate: want <node-id>")
	}
	bar := progressbar.NewOptions(1,
		progressbar.OptionSetDescription(fmt.Sprintf("evacuating node %s", rest[0])),
		progressbar.OptionSetWriter(os.Stdout),
	)
	if err := apiPost(server, "/v1/evacuate/"+rest[0], nil, nil); err != nil {
		return err
	}
	bar.Add(1)
	fmt.Println()
	return nil
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
