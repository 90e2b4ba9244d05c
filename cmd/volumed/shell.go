package main

import (
	"fmt"
	"strconv"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/dustin/go-humanize"

	"github.com/xtxerr/volstream/internal/scheduler"
	"github.com/xtxerr/volstream/internal/volume"
)

var shellCommands = []prompt.Suggest{
	{Text: "goto", Description: "goto <index>: navigate the stack"},
	{Text: "next", Description: "navigate one frame forward"},
	{Text: "prev", Description: "navigate one frame back"},
	{Text: "cap", Description: "cap <category> [n]: show or set a concurrency cap"},
	{Text: "load", Description: "load [category] [priority]: queue outstanding frames"},
	{Text: "cancel", Description: "cancel outstanding frame requests"},
	{Text: "decache", Description: "decache [all]: release the volume buffer"},
	{Text: "prefetch", Description: "prefetch on|off"},
	{Text: "stats", Description: "show pool, cache, volume and prefetch state"},
	{Text: "exit", Description: "stop volumed"},
}

// shell is the interactive navigation console.
type shell struct {
	s       *session
	current int
}

func runShell(s *session) {
	sh := &shell{s: s}
	fmt.Printf("volumed %s: %d frames, type 'exit' to stop\n", Version, len(s.stack))

	var quit bool
	p := prompt.New(
		func(line string) {
			out, q := sh.execute(line)
			if out != "" {
				fmt.Println(out)
			}
			quit = q
		},
		sh.complete,
		prompt.OptionPrefix("volumed> "),
		prompt.OptionTitle("volumed"),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return quit }),
	)
	p.Run()
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	args := strings.Fields(d.TextBeforeCursor())
	if len(args) <= 1 && !strings.HasSuffix(d.TextBeforeCursor(), " ") {
		return prompt.FilterHasPrefix(shellCommands, d.GetWordBeforeCursor(), true)
	}
	switch args[0] {
	case "cap", "load":
		var cats []prompt.Suggest
		for _, c := range scheduler.Categories() {
			cats = append(cats, prompt.Suggest{Text: c.String()})
		}
		return prompt.FilterHasPrefix(cats, d.GetWordBeforeCursor(), true)
	case "prefetch":
		return prompt.FilterHasPrefix([]prompt.Suggest{{Text: "on"}, {Text: "off"}}, d.GetWordBeforeCursor(), true)
	case "decache":
		return prompt.FilterHasPrefix([]prompt.Suggest{{Text: "all"}}, d.GetWordBeforeCursor(), true)
	}
	return nil
}

// execute runs one command line and returns its output.
func (sh *shell) execute(line string) (string, bool) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", false
	}

	switch args[0] {
	case "exit", "quit":
		return "", true
	case "goto":
		if len(args) != 2 {
			return "usage: goto <index>", false
		}
		i, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Sprintf("invalid index %q", args[1]), false
		}
		return sh.navigate(i), false
	case "next":
		return sh.navigate(sh.current + 1), false
	case "prev":
		return sh.navigate(sh.current - 1), false
	case "cap":
		return sh.capCmd(args[1:]), false
	case "load":
		return sh.loadCmd(args[1:]), false
	case "cancel":
		return fmt.Sprintf("cancelled %d requests", sh.s.volume.CancelLoading()), false
	case "decache":
		all := len(args) > 1 && args[1] == "all"
		sh.s.volume.Decache(all)
		return "volume decached", false
	case "prefetch":
		return sh.prefetchCmd(args[1:]), false
	case "stats":
		return sh.stats(), false
	default:
		return fmt.Sprintf("unknown command %q", args[0]), false
	}
}

func (sh *shell) navigate(i int) string {
	if i < 0 || i >= len(sh.s.stack) {
		return fmt.Sprintf("index %d out of range [0,%d)", i, len(sh.s.stack))
	}
	sh.current = i

	id := sh.s.stack[i]
	state := "pending"
	if sh.s.images.IsCached(id) {
		state = "cached"
	}
	if idx, ok := sh.s.volume.FrameIndex(id); ok && sh.s.volume.IsFrameLoaded(idx) {
		state = "in volume"
	}

	if err := sh.s.prefetch.SetCurrentIndex(i); err != nil {
		return fmt.Sprintf("frame %d %s (%s), %v", i, id, state, err)
	}
	return fmt.Sprintf("frame %d %s (%s)", i, id, state)
}

func (sh *shell) capCmd(args []string) string {
	if len(args) == 0 || len(args) > 2 {
		return "usage: cap <category> [n]"
	}
	c, err := scheduler.ParseCategory(args[0])
	if err != nil {
		return err.Error()
	}
	if len(args) == 1 {
		n, err := sh.s.pool.GetMaxSimultaneousRequests(c)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%s: %d", c, n)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Sprintf("invalid cap %q", args[1])
	}
	if err := sh.s.pool.SetMaxSimultaneousRequests(c, n); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%s: %d", c, n)
}

func (sh *shell) loadCmd(args []string) string {
	opts := volume.DefaultLoadOptions()
	if len(args) > 0 {
		c, err := scheduler.ParseCategory(args[0])
		if err != nil {
			return err.Error()
		}
		opts.Category = c
	}
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Sprintf("invalid priority %q", args[1])
		}
		opts.Priority = p
	}

	n, err := sh.s.volume.Load(opts)
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("queued %d frames as %s", n, opts.Category)
}

func (sh *shell) prefetchCmd(args []string) string {
	if len(args) != 1 {
		return "usage: prefetch on|off"
	}
	switch args[0] {
	case "on":
		sh.s.prefetch.Enable(sh.current)
		return "prefetch enabled"
	case "off":
		sh.s.prefetch.Disable()
		return "prefetch disabled"
	default:
		return "usage: prefetch on|off"
	}
}

func (sh *shell) stats() string {
	var b strings.Builder

	ps := sh.s.pool.Stats()
	fmt.Fprintf(&b, "pool: awake=%t drains=%d\n", ps.Awake, ps.Drains)
	for _, cs := range ps.Categories {
		fmt.Fprintf(&b, "  %-12s queued=%d in_flight=%d/%d done=%d failed=%d",
			cs.Category, cs.Queued, cs.InFlight, cs.Cap, cs.Completed, cs.Failed)
		if cs.P50 != nil && cs.P99 != nil {
			fmt.Fprintf(&b, " p50=%.1fms p99=%.1fms", *cs.P50, *cs.P99)
		}
		b.WriteString("\n")
	}

	cs := sh.s.cache.Stats()
	fmt.Fprintf(&b, "cache: %s / %s images=%d volumes=%d evictions=%d pressure=%s\n",
		humanize.IBytes(uint64(cs.UsedBytes)), humanize.IBytes(uint64(cs.MaxBytes)),
		cs.Images, cs.Volumes, cs.Evictions, sh.s.pressure.CurrentLevel())

	vp := sh.s.volume.Progress()
	fmt.Fprintf(&b, "volume %s: %d/%d loaded failed=%d outstanding=%d size=%s decached=%t\n",
		sh.s.volume.ID(), vp.Loaded, vp.Total, vp.Failed, vp.Outstanding,
		humanize.IBytes(uint64(sh.s.volume.SizeInBytes())), sh.s.volume.IsDecached())

	pf := sh.s.prefetch.Stats()
	fmt.Fprintf(&b, "prefetch: enabled=%t current=%d pending=%d passes=%d submitted=%d completed=%d",
		pf.Enabled, pf.Current, pf.Pending, pf.Passes, pf.Submitted, pf.Completed)

	return b.String()
}
