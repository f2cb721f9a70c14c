// reach-repl is an interactive shell for poking at a live collector.
//
// Usage:
//
//	reach-repl [config-file]
//
// Commands (in REPL):
//
//	alloc <n>                  Allocate n nodes
//	link <from> <i> <to>       Point reference field i of <from> at <to>
//	unlink <from> <i>          Null reference field i of <from>
//	weak <from> <to>           Point the weak handle of <from> at <to>
//	root <slot>                Add slot to the root set
//	unroot <slot>              Remove slot from the root set
//	kill <slot>                Mark slot pending kill
//	unkill <slot>              Clear pending kill
//	cluster <root> <m>...      Build a cluster from slots
//	collect [par] [purge]      Run a collection cycle
//	refs <slot>                List outgoing references of slot
//	valid <slot>               Check slot validity
//	stats                      Show collector stats
//	help                       Show this help
//	exit / quit / q            Exit
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"github.com/peterh/liner"

	"github.com/calvinalkan/reach"
)

const (
	nodeRefCount = 4
	nodeArrayOff = nodeRefCount * 8
	nodeWeakOff  = uintptr(nodeArrayOff) + unsafe.Sizeof(reach.ArrayHeader{})
	nodeSize     = nodeWeakOff + unsafe.Sizeof(reach.WeakRef{})
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := reach.DefaultConfig()

	if len(os.Args) > 1 {
		var err error

		cfg, err = reach.LoadConfig(os.Args[1])
		if err != nil {
			return err
		}
	}

	c, err := reach.New(cfg)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	repl := &REPL{c: c, class: nodeClass()}

	return repl.Run()
}

func nodeClass() *reach.Class {
	fields := make([]reach.Field, 0, nodeRefCount+2)

	for i := range nodeRefCount {
		fields = append(fields, reach.Field{Kind: reach.FieldObject, Offset: uintptr(i * 8)})
	}

	fields = append(fields,
		reach.Field{Kind: reach.FieldArrayObject, Offset: uintptr(nodeArrayOff)},
		reach.Field{Kind: reach.FieldWeakObject, Offset: nodeWeakOff},
	)

	return reach.NewClass(reach.ClassSpec{Name: "ReplNode", Size: nodeSize, Fields: fields})
}

// REPL is the interactive command loop.
type REPL struct {
	c     *reach.Collector
	class *reach.Class
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".reach_repl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	cfg := r.c.Config()
	fmt.Printf("reach-repl (max_objects=%d, workers=%d, parallel=%v)\n",
		cfg.MaxObjects, cfg.WorkerCount, cfg.ParallelEnabled)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("reach> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "alloc":
			r.cmdAlloc(args)

		case "link":
			r.cmdLink(args)

		case "unlink":
			r.cmdUnlink(args)

		case "weak":
			r.cmdWeak(args)

		case "root":
			r.cmdRoot(args, true)

		case "unroot":
			r.cmdRoot(args, false)

		case "kill":
			r.cmdKill(args, true)

		case "unkill":
			r.cmdKill(args, false)

		case "cluster":
			r.cmdCluster(args)

		case "collect", "gc":
			r.cmdCollect(args)

		case "refs":
			r.cmdRefs(args)

		case "valid":
			r.cmdValid(args)

		case "stats", "info":
			r.cmdStats()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	commands := []string{
		"alloc", "link", "unlink", "weak",
		"root", "unroot", "kill", "unkill",
		"cluster", "collect", "gc", "refs",
		"valid", "stats", "info", "clear", "cls",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  alloc <n>                  Allocate n nodes")
	fmt.Println("  link <from> <i> <to>       Point reference field i of <from> at <to>")
	fmt.Println("  unlink <from> <i>          Null reference field i of <from>")
	fmt.Println("  weak <from> <to>           Point the weak handle of <from> at <to>")
	fmt.Println("  root <slot>                Add slot to the root set")
	fmt.Println("  unroot <slot>              Remove slot from the root set")
	fmt.Println("  kill <slot>                Mark slot pending kill")
	fmt.Println("  unkill <slot>              Clear pending kill")
	fmt.Println("  cluster <root> <m>...      Build a cluster from slots")
	fmt.Println("  collect [par] [purge]      Run a collection cycle")
	fmt.Println("  refs <slot>                List outgoing references of slot")
	fmt.Println("  valid <slot>               Check slot validity")
	fmt.Println("  stats                      Show collector stats")
	fmt.Println("  exit / quit / q            Exit")
}

func (r *REPL) parseSlot(s string) (reach.SlotIndex, bool) {
	v, err := strconv.Atoi(s)
	if err != nil {
		fmt.Printf("Error: %q is not a slot index\n", s)
		return 0, false
	}

	return reach.SlotIndex(v), true
}

func (r *REPL) object(s string) (*reach.Object, bool) {
	idx, ok := r.parseSlot(s)
	if !ok {
		return nil, false
	}

	obj := r.c.ObjectAt(idx)
	if obj == nil {
		fmt.Printf("Error: slot %d is empty\n", idx)
		return nil, false
	}

	return obj, true
}

func (r *REPL) cmdAlloc(args []string) {
	n := 1

	if len(args) >= 1 {
		var err error

		n, err = strconv.Atoi(args[0])
		if err != nil || n < 1 {
			fmt.Println("Usage: alloc <n>")

			return
		}
	}

	first := reach.InvalidSlot
	last := reach.InvalidSlot

	for range n {
		obj, err := r.c.NewObject(r.class)
		if err != nil {
			fmt.Printf("Error: %v\n", err)

			return
		}

		if first == reach.InvalidSlot {
			first = obj.SlotIndex()
		}

		last = obj.SlotIndex()
	}

	fmt.Printf("OK: allocated %d nodes, slots %d..%d\n", n, first, last)
}

func (r *REPL) cmdLink(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: link <from> <i> <to>")

		return
	}

	from, ok := r.object(args[0])
	if !ok {
		return
	}

	i, err := strconv.Atoi(args[1])
	if err != nil || i < 0 || i >= nodeRefCount {
		fmt.Printf("Error: field index must be 0..%d\n", nodeRefCount-1)

		return
	}

	to, ok := r.object(args[2])
	if !ok {
		return
	}

	*reach.RefSlot(from, uintptr(i*8)) = to

	fmt.Printf("OK: %s[%d] -> %s\n", args[0], i, args[2])
}

func (r *REPL) cmdUnlink(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: unlink <from> <i>")

		return
	}

	from, ok := r.object(args[0])
	if !ok {
		return
	}

	i, err := strconv.Atoi(args[1])
	if err != nil || i < 0 || i >= nodeRefCount {
		fmt.Printf("Error: field index must be 0..%d\n", nodeRefCount-1)

		return
	}

	*reach.RefSlot(from, uintptr(i*8)) = nil

	fmt.Printf("OK: %s[%d] -> nil\n", args[0], i)
}

func (r *REPL) cmdWeak(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: weak <from> <to>")

		return
	}

	from, ok := r.object(args[0])
	if !ok {
		return
	}

	to, ok := r.object(args[1])
	if !ok {
		return
	}

	w := r.c.WeakTo(to)
	*reach.WeakAt(from, nodeWeakOff) = w

	fmt.Printf("OK: weak handle {index=%d serial=%d}\n", w.Index, w.Serial)
}

func (r *REPL) cmdRoot(args []string, add bool) {
	if len(args) < 1 {
		fmt.Println("Usage: root|unroot <slot>")

		return
	}

	idx, ok := r.parseSlot(args[0])
	if !ok {
		return
	}

	var err error
	if add {
		err = r.c.AddToRoot(idx)
	} else {
		err = r.c.RemoveFromRoot(idx)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdKill(args []string, kill bool) {
	if len(args) < 1 {
		fmt.Println("Usage: kill|unkill <slot>")

		return
	}

	idx, ok := r.parseSlot(args[0])
	if !ok {
		return
	}

	var err error
	if kill {
		err = r.c.MarkPendingKill(idx)
	} else {
		err = r.c.ClearPendingKill(idx)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdCluster(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: cluster <root> <member>...")

		return
	}

	root, ok := r.parseSlot(args[0])
	if !ok {
		return
	}

	id, err := r.c.AllocateCluster(root)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	added := 0

	for _, arg := range args[1:] {
		member, ok := r.parseSlot(arg)
		if !ok {
			continue
		}

		if err := r.c.AddToCluster(id, member); err != nil {
			fmt.Printf("Warning: member %d: %v\n", member, err)

			continue
		}

		added++
	}

	fmt.Printf("OK: cluster %d rooted at %d with %d members\n", id, root, added)
}

func (r *REPL) cmdCollect(args []string) {
	parallel := false
	purge := false

	for _, arg := range args {
		switch strings.ToLower(arg) {
		case "par", "parallel":
			parallel = true
		case "purge", "full":
			purge = true
		default:
			fmt.Printf("Unknown collect option: %s\n", arg)

			return
		}
	}

	err := r.c.Collect(nil, parallel, purge)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	last := r.c.Stats().LastCycle
	fmt.Printf("OK: visited=%d dispatched=%d swept=%d weak_cleared=%d mark=%v sweep=%v\n",
		last.ObjectsVisited, last.ReferencesDispatched, last.SlotsSwept,
		last.WeakRefsCleared, last.MarkDuration, last.SweepDuration)
}

func (r *REPL) cmdRefs(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: refs <slot>")

		return
	}

	obj, ok := r.object(args[0])
	if !ok {
		return
	}

	var rc reach.ReferenceCollector

	err := r.c.CollectReferences(obj, &rc)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(rc.Refs) == 0 {
		fmt.Println("(no outgoing references)")

		return
	}

	for i, ref := range rc.Refs {
		fmt.Printf("%3d. slot %d (%s)\n", i+1, ref.SlotIndex(), ref.Class().Name())
	}
}

func (r *REPL) cmdValid(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: valid <slot>")

		return
	}

	idx, ok := r.parseSlot(args[0])
	if !ok {
		return
	}

	fmt.Printf("valid=%v valid_incl_pending_kill=%v\n",
		r.c.IsValid(idx, false), r.c.IsValid(idx, true))
}

func (r *REPL) cmdStats() {
	s := r.c.Stats()

	fmt.Printf("Collector:\n")
	fmt.Printf("  Slots:          %d (live %d, free-list %d, permanent %d)\n",
		s.NumSlots, s.NumLive, s.NumFree, s.NumPermanent)
	fmt.Printf("  Cycles:         %d\n", s.Cycles)
	fmt.Printf("  Arena:          %d bytes reserved, %d live\n", s.ArenaReserved, s.ArenaAllocated)
	fmt.Printf("  Pool:           %d retained, %d weak pending, %d acquired, %d allocated\n",
		s.Pool.Retained, s.Pool.PendingWeak, s.Pool.TotalAcquired, s.Pool.TotalAllocated)
}
