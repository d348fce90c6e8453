package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/otadbridge/otadbridge/internal/otad"
	"github.com/otadbridge/otadbridge/pkg/shell"
	sshc "github.com/otadbridge/otadbridge/pkg/ssh"
	"github.com/otadbridge/otadbridge/simulate"
)

// Self-test for the simulate rig host: start an in-process simulator,
// then drive it through the real stack (native SSH pool -> runner -> driver).
// It will:
// 1) Start the simulator on a loopback port with a two-device set.
// 2) Connect through pkg/ssh + shell.SSHRunner, exactly like mode=ssh.
// 3) Exercise every vendor operation including sentinel failures,
//    busy-read empty outputs and turntable settle behaviour.
// 4) Print PASS/FAIL summary and exit with code accordingly.

func main() {
	fmt.Println("[SELFTEST] Start")

	hostKey := filepath.Join(os.TempDir(), fmt.Sprintf("otadbridge-selftest-hostkey-%d.pem", os.Getpid()))
	defer os.Remove(hostKey)

	simCfg := &simulate.Config{
		Listen:      "127.0.0.1:0",
		Password:    "ortery",
		Tool:        "OTADCommand.exe",
		HostKeyFile: hostKey,
		MovingState: 1,
		Devices: []simulate.DeviceConfig{
			{
				Product:  "PhotoCapture 360",
				DeviceID: 2001,
				Properties: []simulate.PropertyValue{
					{ID: 16641, Value: 0},
					{ID: 16642, Value: 250},
					{ID: 16643, Value: 23400},
				},
				CommandIDs:       []int{12801, 12802, 12803, 13057, 16641},
				RejectedCommands: []int{13058},
				BusyReads:        1,
				SettlePolls:      2,
			},
			{
				Product:  "TurnTable Mini",
				DeviceID: 2002,
				Properties: []simulate.PropertyValue{
					{ID: 16641, Value: 0},
					{ID: 16643, Value: 12000},
				},
				CommandIDs: []int{13057},
			},
		},
	}

	mgr, err := simulate.Start(simCfg)
	if err != nil {
		fmt.Printf("[SELFTEST] Failed to start simulator: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Stop()
	fmt.Printf("[SELFTEST] Simulator listening on %s\n", mgr.Addr())

	host, port, err := splitAddr(mgr.Addr())
	if err != nil {
		fmt.Printf("[SELFTEST] Bad simulator address: %v\n", err)
		os.Exit(1)
	}

	pool := sshc.NewPool(&sshc.PoolConfig{
		MaxIdle:     2,
		IdleTimeout: time.Minute,
		SSHConfig: &sshc.Config{
			Timeout:     5 * time.Second,
			KeepAlive:   10 * time.Second,
			MaxSessions: 4,
		},
	})
	defer pool.Close()

	info := &sshc.ConnectionInfo{Host: host, Port: port, Username: "rig", Password: "ortery"}
	runner := shell.NewSSHRunner(pool, info, "")
	driver := otad.NewDriver(runner, otad.Options{
		PropertyReadAttempts: 5,
		PropertyReadInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	allPass := true
	if !testInventory(ctx, driver) { allPass = false }
	if !testProperties(ctx, driver) { allPass = false }
	if !testCommands(ctx, driver) { allPass = false }
	if !testRotateSettle(ctx, driver) { allPass = false }
	if !testSentinels(ctx, driver) { allPass = false }
	if !testRawShell(ctx, pool, info) { allPass = false }

	if allPass {
		fmt.Println("[SELFTEST] PASS: all simulate tests succeeded")
		os.Exit(0)
	}
	fmt.Println("[SELFTEST] FAIL: some simulate tests failed")
	os.Exit(2)
}

func testInventory(ctx context.Context, driver *otad.Driver) bool {
	fmt.Println("[SELFTEST] Inventory: device count + info")
	count, err := driver.DeviceCount(ctx)
	if err != nil { fmt.Println("[SELFTEST] device count failed:", err); return false }
	if count != 2 { fmt.Println("[SELFTEST] device count mismatch:", count); return false }

	dev0, err := driver.DeviceInfo(ctx, 0)
	if err != nil { fmt.Println("[SELFTEST] device 0 info failed:", err); return false }
	if dev0.ProductName != "PhotoCapture 360" || dev0.DeviceID != 2001 {
		fmt.Printf("[SELFTEST] device 0 info mismatch: %+v\n", dev0)
		return false
	}

	dev1, err := driver.DeviceInfo(ctx, 1)
	if err != nil { fmt.Println("[SELFTEST] device 1 info failed:", err); return false }
	if dev1.ProductName != "TurnTable Mini" || dev1.DeviceID != 2002 {
		fmt.Printf("[SELFTEST] device 1 info mismatch: %+v\n", dev1)
		return false
	}

	commands, err := driver.CommandDescriptors(ctx, 0)
	if err != nil { fmt.Println("[SELFTEST] command desc failed:", err); return false }
	if !hasCommandID(commands, 13057) { fmt.Println("[SELFTEST] command 13057 missing"); return false }

	properties, err := driver.PropertyDescriptors(ctx, 0)
	if err != nil { fmt.Println("[SELFTEST] property desc failed:", err); return false }
	if !hasPropertyID(properties, 16643) { fmt.Println("[SELFTEST] property 16643 missing"); return false }

	fmt.Println("[SELFTEST] Inventory: PASS")
	return true
}

func testProperties(ctx context.Context, driver *otad.Driver) bool {
	fmt.Println("[SELFTEST] Properties: read through busy outputs, write, read back")
	total, err := driver.PropertyValue(ctx, 0, 16643)
	if err != nil { fmt.Println("[SELFTEST] read 16643 failed:", err); return false }
	if total != 23400 { fmt.Println("[SELFTEST] 16643 mismatch:", total); return false }

	if err := driver.SetPropertyValue(ctx, 0, 16642, 400); err != nil {
		fmt.Println("[SELFTEST] set 16642 failed:", err)
		return false
	}
	v, err := driver.PropertyValue(ctx, 0, 16642)
	if err != nil { fmt.Println("[SELFTEST] read back 16642 failed:", err); return false }
	if v != 400 { fmt.Println("[SELFTEST] 16642 read back mismatch:", v); return false }

	if err := driver.SetPropertiesValues(ctx, 0, []int{16641, 16642}, 0); err != nil {
		fmt.Println("[SELFTEST] batch set failed:", err)
		return false
	}

	fmt.Println("[SELFTEST] Properties: PASS")
	return true
}

func testCommands(ctx context.Context, driver *otad.Driver) bool {
	fmt.Println("[SELFTEST] Commands: send supported command")
	if err := driver.SendCommand(ctx, 0, 12801); err != nil {
		fmt.Println("[SELFTEST] send 12801 failed:", err)
		return false
	}
	fmt.Println("[SELFTEST] Commands: PASS")
	return true
}

func testRotateSettle(ctx context.Context, driver *otad.Driver) bool {
	fmt.Println("[SELFTEST] Rotate: turn then wait for state to settle")
	if err := driver.Rotate(ctx, 0, 1, 0, 120); err != nil {
		fmt.Println("[SELFTEST] rotate failed:", err)
		return false
	}

	settled := false
	for i := 0; i < 10; i++ {
		v, err := driver.PropertyValue(ctx, 0, 16641)
		if err != nil { fmt.Println("[SELFTEST] state read failed:", err); return false }
		if v == 0 {
			settled = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !settled { fmt.Println("[SELFTEST] state did not settle"); return false }

	fmt.Println("[SELFTEST] Rotate: PASS")
	return true
}

func testSentinels(ctx context.Context, driver *otad.Driver) bool {
	fmt.Println("[SELFTEST] Sentinels: invalid device / unsupported / device refusal")
	_, err := driver.DeviceInfo(ctx, 9)
	if otad.GetKind(err) != otad.KindInvalidDevice {
		fmt.Println("[SELFTEST] invalid device not classified:", err)
		return false
	}

	err = driver.SendCommand(ctx, 0, 99)
	if otad.GetKind(err) != otad.KindUnsupported {
		fmt.Println("[SELFTEST] unsupported command not classified:", err)
		return false
	}

	err = driver.SendCommand(ctx, 0, 13058)
	if otad.GetKind(err) != otad.KindNotSupportedByDevice {
		fmt.Println("[SELFTEST] rejected command not classified:", err)
		return false
	}

	_, err = driver.PropertyValue(ctx, 1, 55555)
	if otad.GetKind(err) != otad.KindNotSupportedByDevice {
		fmt.Println("[SELFTEST] unsupported property not classified:", err)
		return false
	}

	fmt.Println("[SELFTEST] Sentinels: PASS")
	return true
}

// testRawShell 验证非工具命令走 Windows cmd 的报错口吻
func testRawShell(ctx context.Context, pool *sshc.Pool, info *sshc.ConnectionInfo) bool {
	fmt.Println("[SELFTEST] Raw shell: non-tool command")
	out, err := pool.Execute(ctx, info, "dir")
	if err != nil { fmt.Println("[SELFTEST] raw exec failed:", err); return false }
	if !strings.Contains(string(out), "'dir' is not recognized") {
		fmt.Printf("[SELFTEST] unexpected raw output: %q\n", string(out))
		return false
	}
	fmt.Println("[SELFTEST] Raw shell: PASS")
	return true
}

func hasCommandID(list []otad.CommandDescriptor, id int) bool {
	for _, d := range list {
		if d.ID == id { return true }
	}
	return false
}

func hasPropertyID(list []otad.PropertyDescriptor, id int) bool {
	for _, d := range list {
		if d.ID == id { return true }
	}
	return false
}

func splitAddr(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("no port in %q", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q", addr)
	}
	return addr[:idx], port, nil
}
