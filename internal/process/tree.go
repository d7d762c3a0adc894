package process

import (
	"log/slog"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Node is one row of the OS process table.
type Node struct {
	PID  int `json:"pid"`
	PPID int `json:"ppid"`
}

// processTable enumerates the OS process table. Tests replace it with a
// synthetic table.
var processTable = func() ([]Node, error) {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			// raced with exit
			continue
		}
		nodes = append(nodes, Node{PID: int(p.Pid), PPID: int(ppid)})
	}
	return nodes, nil
}

// ListProcessTree returns roots and all of their descendants, deepest first,
// so callers can signal leaves before ancestors. If the process table cannot
// be read it returns just the roots.
func ListProcessTree(roots []int) []int {
	table, err := processTable()
	if err != nil {
		slog.Debug("process table enumeration failed", "roots", roots, "error", err)
		table = nil
	}
	return BuildTree(table, roots)
}

// BuildTree walks table breadth-first from roots using a parent->children
// adjacency map and returns the discovered pids in reverse discovery order.
// Every pid therefore appears before its parent. Non-positive and duplicate
// roots are ignored.
func BuildTree(table []Node, roots []int) []int {
	children := make(map[int][]int, len(table))
	for _, n := range table {
		if n.PID <= 0 || n.PID == n.PPID {
			continue
		}
		children[n.PPID] = append(children[n.PPID], n.PID)
	}

	seen := make(map[int]bool, len(roots))
	queue := make([]int, 0, len(roots))
	for _, r := range roots {
		if r <= 0 || seen[r] {
			continue
		}
		seen[r] = true
		queue = append(queue, r)
	}

	order := make([]int, 0, len(queue))
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		order = append(order, pid)
		for _, c := range children[pid] {
			if seen[c] {
				continue
			}
			seen[c] = true
			queue = append(queue, c)
		}
	}
	slices.Reverse(order)
	return order
}
