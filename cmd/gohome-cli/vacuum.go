package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/grpc"

	"github.com/joshp123/gohome-vacuum/internal/rpc"
)

const vacuumService = "gohome.plugins.roborock.v1.VacuumService"

var simpleVacuumCommands = map[string]string{
	"start":       "Start",
	"pause":       "Pause",
	"stop":        "Stop",
	"dock":        "ReturnToBase",
	"spot":        "CleanSpot",
	"locate":      "Locate",
	"start-pause": "StartPause",
}

func vacuumCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := printer{w: os.Stdout, json: jsonOutput}
	if len(args) == 0 {
		vacuumUsage()
		os.Exit(2)
	}

	call := func(action, method string, req map[string]any) map[string]any {
		resp, err := rpc.Call(ctx, conn, vacuumService, method, req)
		if err != nil {
			fatal("vacuum "+action, err)
		}
		return resp
	}

	switch args[0] {
	case "list":
		resp := call("list", "ListVacuums", nil)
		if out.json {
			out.value(resp)
			return
		}
		var rows [][]string
		for _, v := range asList(resp["vacuums"]) {
			rows = append(rows, []string{
				str(v["name"]), str(v["device_id"]), str(v["model"]),
				str(v["status"]), percent(v["battery_level"]), str(v["fan_speed"]),
			})
		}
		out.table([]string{"name", "id", "model", "status", "battery", "fan"}, rows)
	case "status":
		rest, refresh, err := takeFlag(args[1:], "refresh")
		if err != nil {
			fatal("vacuum status", err)
		}
		deviceID := resolveVacuum(ctx, conn, argAt(rest, 0))
		resp := call("status", "GetStatus", map[string]any{"device_id": deviceID, "refresh": refresh})
		if out.json {
			out.value(resp)
			return
		}
		v, _ := resp["vacuum"].(map[string]any)
		out.fields(
			[2]string{"NAME", str(v["name"])},
			[2]string{"STATUS", str(v["status"])},
			[2]string{"BATTERY", percent(v["battery_level"])},
			[2]string{"FAN", str(v["fan_speed"])},
			[2]string{"UPDATED", str(v["updated_at"])},
		)
	case "fan":
		if len(args) < 3 {
			fatal("vacuum fan", fmt.Errorf("usage: gohome-cli vacuum fan <vacuum> <speed>"))
		}
		deviceID := resolveVacuum(ctx, conn, args[1])
		call("fan", "SetFanSpeed", map[string]any{"device_id": deviceID, "fan_speed": args[2]})
		out.ok("fan speed set to " + args[2])
	case "fans":
		deviceID := resolveVacuum(ctx, conn, argAt(args, 1))
		resp := call("fans", "ListFanSpeeds", map[string]any{"device_id": deviceID})
		if out.json {
			out.value(resp)
			return
		}
		speeds, _ := resp["fan_speeds"].([]any)
		for _, speed := range speeds {
			fmt.Println(str(speed))
		}
	case "command":
		if len(args) < 3 {
			fatal("vacuum command", fmt.Errorf("usage: gohome-cli vacuum command <vacuum> <command> [param ...]"))
		}
		deviceID := resolveVacuum(ctx, conn, args[1])
		req := map[string]any{"device_id": deviceID, "command": args[2]}
		if params := args[3:]; len(params) > 0 {
			req["params"] = parseParams(params)
		}
		resp := call("command", "SendCommand", req)
		out.value(resp["result"])
	case "map":
		deviceID := resolveVacuum(ctx, conn, argAt(args, 1))
		resp := call("map", "GetMap", map[string]any{"device_id": deviceID})
		if out.json {
			out.value(resp)
			return
		}
		fmt.Println(str(resp["map"]))
	default:
		method, ok := simpleVacuumCommands[args[0]]
		if !ok {
			vacuumUsage()
			os.Exit(2)
		}
		deviceID := resolveVacuum(ctx, conn, argAt(args, 1))
		call(args[0], method, map[string]any{"device_id": deviceID})
		out.ok(args[0])
	}
}

// resolveVacuum looks input up against the server's vacuum list.
func resolveVacuum(ctx context.Context, conn *grpc.ClientConn, input string) string {
	resp, err := rpc.Call(ctx, conn, vacuumService, "ListVacuums", nil)
	if err != nil {
		fatal("resolve vacuum", err)
	}
	id, err := matchVacuum(asList(resp["vacuums"]), input)
	if err != nil {
		fatal("resolve vacuum", err)
	}
	return id
}

// parseParams turns CLI words into command params. Numbers stay numbers.
func parseParams(words []string) []any {
	out := make([]any, 0, len(words))
	for _, w := range words {
		if n, err := strconv.ParseFloat(w, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, w)
	}
	return out
}

func asList(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func percent(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.Itoa(int(f)) + "%"
	}
	return "-"
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return strings.TrimSpace(args[i])
	}
	return ""
}

func vacuumUsage() {
	fmt.Println("gohome-cli vacuum <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list")
	fmt.Println("  status [vacuum] [--refresh]")
	fmt.Println("  start|pause|stop|dock|spot|locate|start-pause [vacuum]")
	fmt.Println("  fan <vacuum> <speed>")
	fmt.Println("  fans [vacuum]")
	fmt.Println("  command <vacuum> <command> [param ...]")
	fmt.Println("  map [vacuum]")
}
