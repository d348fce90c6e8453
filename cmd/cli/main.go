package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// 面向 REST API 的手工调试客户端。每次调用完成一个动作并打印响应 JSON。
//
// 用法示例：
//
//	go run ./cmd/cli -action count
//	go run ./cmd/cli -action info -device 0
//	go run ./cmd/cli -action get -device 0 -property 16643
//	go run ./cmd/cli -action set -device 0 -property 16642 -value 400
//	go run ./cmd/cli -action rotate -device 0 -speed 1 -direction 0 -step 650
//	go run ./cmd/cli -action rotate_degrees -device 0 -degrees 90
//	go run ./cmd/cli -action sweep -device 0 -stops 24 -shutter
//	go run ./cmd/cli -action records -limit 10
func main() {
	server := flag.String("server", "http://localhost:8082", "Server base URL")
	action := flag.String("action", "count", "Action: count|info|commands|properties|get|set|command|rotate|rotate_degrees|sweep|sweeps|records|record|health")
	controller := flag.String("controller", "", "Controller name (empty = default controller)")
	device := flag.Int("device", 0, "Device index")
	property := flag.Int("property", 0, "Property id, e.g. 16641/16643")
	value := flag.Int("value", 0, "Property value for set")
	command := flag.Int("command", 0, "Command id for command action, e.g. 13057")
	speed := flag.Int("speed", 1, "Turntable speed 0/1/2")
	direction := flag.Int("direction", 0, "Turntable direction 0/1")
	step := flag.Int("step", 0, "Turntable step")
	degrees := flag.Float64("degrees", 0, "Rotation degrees for rotate_degrees (0,360]")
	stops := flag.Int("stops", 24, "Sweep stops per revolution")
	shutter := flag.Bool("shutter", false, "Fire shutter sequence at each sweep stop")
	id := flag.String("id", "", "Record / sweep id for record|sweep detail")
	limit := flag.Int("limit", 20, "List limit for records/sweeps")
	operation := flag.String("operation", "", "Filter records by operation name")
	status := flag.String("status", "", "Filter records/sweeps by status")
	timeout := flag.Int("http_timeout", 300, "HTTP client timeout seconds")
	flag.Parse()

	client := &http.Client{Timeout: time.Duration(*timeout) * time.Second}
	base := strings.TrimRight(*server, "/")

	q := url.Values{}
	if *controller != "" {
		q.Set("controller", *controller)
	}

	var (
		method string
		path   string
		body   interface{}
	)

	switch *action {
	case "count":
		method, path = http.MethodGet, "/api/v1/rig/devices/count"
	case "info":
		method, path = http.MethodGet, fmt.Sprintf("/api/v1/rig/devices/%d/info", *device)
	case "commands":
		method, path = http.MethodGet, fmt.Sprintf("/api/v1/rig/devices/%d/commands", *device)
	case "properties":
		method, path = http.MethodGet, fmt.Sprintf("/api/v1/rig/devices/%d/properties", *device)
	case "get":
		method, path = http.MethodGet, fmt.Sprintf("/api/v1/rig/devices/%d/properties/%d", *device, *property)
	case "set":
		method, path = http.MethodPut, fmt.Sprintf("/api/v1/rig/devices/%d/properties/%d", *device, *property)
		body = map[string]interface{}{"value": *value}
	case "command":
		method, path = http.MethodPost, fmt.Sprintf("/api/v1/rig/devices/%d/command", *device)
		body = map[string]interface{}{"command": *command}
	case "rotate":
		method, path = http.MethodPost, fmt.Sprintf("/api/v1/rig/devices/%d/rotate", *device)
		body = map[string]interface{}{"speed": *speed, "direction": *direction, "step": *step}
	case "rotate_degrees":
		method, path = http.MethodPost, fmt.Sprintf("/api/v1/rig/devices/%d/rotate_degrees", *device)
		body = map[string]interface{}{"speed": *speed, "direction": *direction, "degrees": *degrees}
	case "sweep":
		method, path = http.MethodPost, "/api/v1/sweeps"
		body = map[string]interface{}{
			"controller": *controller,
			"device":     *device,
			"stops":      *stops,
			"speed":      *speed,
			"direction":  *direction,
			"shutter":    *shutter,
		}
		q.Del("controller")
	case "sweeps":
		if *id != "" {
			method, path = http.MethodGet, "/api/v1/sweeps/"+*id
			break
		}
		method, path = http.MethodGet, "/api/v1/sweeps"
		q.Set("limit", strconv.Itoa(*limit))
		if *status != "" {
			q.Set("status", *status)
		}
	case "records":
		method, path = http.MethodGet, "/api/v1/records"
		q.Set("limit", strconv.Itoa(*limit))
		if *operation != "" {
			q.Set("operation", *operation)
		}
		if *status != "" {
			q.Set("status", *status)
		}
	case "record":
		if *id == "" {
			fmt.Fprintln(os.Stderr, "record action requires -id")
			os.Exit(1)
		}
		method, path = http.MethodGet, "/api/v1/records/"+*id
	case "health":
		method, path = http.MethodGet, "/api/v1/health"
	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", *action)
		os.Exit(1)
	}

	full := base + path
	if encoded := q.Encode(); encoded != "" {
		full += "?" + encoded
	}

	var reqBody io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal request failed: %v\n", err)
			os.Exit(1)
		}
		reqBody = bytes.NewReader(bs)
		fmt.Printf("%s %s\n%s\n", method, full, string(bs))
	} else {
		fmt.Printf("%s %s\n", method, full)
	}

	req, err := http.NewRequest(method, full, reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request failed: %v\n", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("HTTP %d (%s)\n", resp.StatusCode, time.Since(start).Round(time.Millisecond))
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}
