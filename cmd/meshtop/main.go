// Command meshtop is a terminal dashboard for one mesh node: it dials
// the node's admin /stream websocket and renders the periodic stats
// (workers, processes, heap bytes, GC cycles) plus a list of any other
// events with termui, the same "urfave/cli/v2 binary, small
// single-screen dashboard" shape the rest of this pack's tooling uses.
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "meshtop",
		Usage: "live dashboard for a meshlang node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7947", Usage: "node admin address"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

type event struct {
	Kind string `json:"kind"`
	Pid  string `json:"pid,omitempty"`
	Data string `json:"data,omitempty"`
}

type stats struct {
	Workers       int   `json:"workers"`
	ProcessCount  int   `json:"process_count"`
	HeapBytesUsed int64 `json:"heap_bytes_used"`
	GCCycles      int64 `json:"gc_cycles"`
}

func run(c *cli.Context) error {
	addr := c.String("addr")

	u := url.URL{Scheme: "ws", Host: addr, Path: "/stream"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("meshtop: dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	if err := ui.Init(); err != nil {
		return fmt.Errorf("meshtop: init terminal: %w", err)
	}
	defer ui.Close()

	title := widgets.NewParagraph()
	title.Title = "meshlang"
	title.Text = "node " + addr
	title.SetRect(0, 0, 50, 3)

	table := widgets.NewTable()
	table.Title = "stats"
	table.Rows = [][]string{
		{"workers", "-"},
		{"processes", "-"},
		{"heap bytes", "-"},
		{"gc cycles", "-"},
	}
	table.SetRect(0, 3, 50, 10)

	log := widgets.NewList()
	log.Title = "events"
	log.SetRect(0, 10, 80, 25)

	render := func() {
		ui.Render(title, table, log)
	}
	render()

	events := make(chan event, 64)
	go pump(conn, events)

	uiEvents := ui.PollEvents()
	var recent []string
	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case "tick":
				var st stats
				if json.Unmarshal([]byte(ev.Data), &st) == nil {
					table.Rows = [][]string{
						{"workers", itoa(st.Workers)},
						{"processes", itoa(st.ProcessCount)},
						{"heap bytes", itoa64(st.HeapBytesUsed)},
						{"gc cycles", itoa64(st.GCCycles)},
					}
				}
			default:
				recent = append(recent, fmt.Sprintf("%s %s %s", time.Now().Format("15:04:05"), ev.Kind, ev.Pid))
				if len(recent) > 200 {
					recent = recent[len(recent)-200:]
				}
				log.Rows = recent
			}
			render()
		}
	}
}

func pump(conn *websocket.Conn, out chan<- event) {
	defer close(out)
	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		out <- ev
	}
}

func itoa(n int) string     { return fmt.Sprintf("%d", n) }
func itoa64(n int64) string { return fmt.Sprintf("%d", n) }
