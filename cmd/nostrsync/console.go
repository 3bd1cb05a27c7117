// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/nostrsync/devicesync"
	"github.com/bureau-foundation/nostrsync/dm"
	"github.com/bureau-foundation/nostrsync/identity"
)

type styles struct {
	ok     lipgloss.Style
	fail   lipgloss.Style
	self   lipgloss.Style
	peer   lipgloss.Style
	notice lipgloss.Style
	dim    lipgloss.Style
}

func newStyles() styles {
	return styles{
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		fail:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		self:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		peer:   lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		notice: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		dim:    lipgloss.NewStyle().Faint(true),
	}
}

// authorColors are the ANSI colours chat authors are drawn in.
var authorColors = []lipgloss.Color{"5", "4", "2", "3", "13", "12", "10", "11"}

// author picks a colour from the key so a device keeps its colour
// across sessions.
func (s styles) author(key identity.PublicKey) lipgloss.Style {
	hex := key.Hex()
	if hex == "" {
		return s.peer
	}
	sum := 0
	for _, r := range hex {
		sum += int(r)
	}
	return s.peer.Foreground(authorColors[sum%len(authorColors)])
}

const consoleHelp = `commands:
  /devices           list known devices
  /trust <n|npub>    trust a device
  /untrust <n|npub>  stop trusting a device
  /send-file <path> [n|npub]
                     share a file with every trusted device, or one
  /reset             replace this device's key
  /relays            show connected relays
  /quit              save and exit
anything else is sent to every trusted device`

// console renders device events and reads commands. It is the
// devicesync.Listener of an interactive session.
type console struct {
	styles styles

	mu     sync.Mutex
	out    io.Writer
	device *devicesync.Sync
}

var _ devicesync.Listener = (*console)(nil)

func newConsole(out io.Writer) *console {
	return &console{styles: newStyles(), out: out}
}

func (c *console) attach(device *devicesync.Sync) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = device
}

func (c *console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func (c *console) notice(text string) { c.println(c.styles.notice.Render("* " + text)) }

func (c *console) DeviceDiscovered(device identity.PublicKey) {
	c.notice("discovered device " + device.Bech32())
}

func (c *console) TrustRequested(device identity.PublicKey) {
	c.notice(fmt.Sprintf("device %s trusts us; /trust %s to trust it back", device.Short(), device.Bech32()))
}

func (c *console) DeviceTrusted(device identity.PublicKey) {
	c.println(c.styles.ok.Render("+ trusted ") + device.Short())
}

func (c *console) DeviceUntrusted(device identity.PublicKey) {
	c.println(c.styles.fail.Render("- untrusted ") + device.Short())
}

func (c *console) ChatMessage(message *dm.Message) {
	chat, ok := message.Chat()
	if !ok {
		return
	}
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()

	author := c.styles.author(message.Author).Render(message.Author.Short())
	if device != nil && message.Author == device.DeviceKey() {
		author = c.styles.self.Render("me")
	}
	stamp := c.styles.dim.Render(message.CreatedAt.Local().Format("15:04"))
	text := chat.Description
	if chat.Payload != nil {
		text += c.styles.dim.Render(fmt.Sprintf(" [%s, %d bytes]", chat.Payload.Type, len(chat.Payload.Data)))
	}
	c.println(fmt.Sprintf("%s %s: %s", stamp, author, text))
}

// errQuit ends the session normally.
var errQuit = errors.New("quit")

// run reads lines from input until it closes, ctx ends, or /quit.
func (c *console) run(ctx context.Context, input io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.handle(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.println(c.styles.fail.Render("! ") + err.Error())
			}
		}
	}
}

// handle runs one input line.
func (c *console) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()
	if device == nil {
		return errors.New("device not ready")
	}

	if !strings.HasPrefix(line, "/") {
		return device.SendChat(ctx, line)
	}
	command, argument, _ := strings.Cut(line[1:], " ")
	argument = strings.TrimSpace(argument)

	switch command {
	case "help":
		c.println(consoleHelp)
	case "quit", "exit":
		return errQuit
	case "devices":
		c.printDevices(device.Devices())
	case "trust", "untrust":
		target, err := resolveDevice(device.Devices(), argument)
		if err != nil {
			return err
		}
		if command == "trust" {
			return device.TrustDevice(ctx, target)
		}
		return device.UntrustDevice(ctx, target)
	case "send-file":
		return c.sendFile(ctx, device, argument)
	case "reset":
		if err := device.ResetIdentity(ctx, nil); err != nil {
			return err
		}
		c.notice("device key is now " + device.DeviceKey().Bech32())
	case "relays":
		connected := device.ConnectedRelays()
		c.notice(fmt.Sprintf("%d relays connected", connected.Len()))
		for _, url := range connected.Relays {
			c.println("  " + url)
		}
	default:
		return fmt.Errorf("unknown command /%s (try /help)", command)
	}
	return nil
}

// sendFile handles "/send-file <path> [device]".
func (c *console) sendFile(ctx context.Context, device *devicesync.Sync, argument string) error {
	path, target, _ := strings.Cut(argument, " ")
	if path == "" {
		return errors.New("missing file path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var to *identity.PublicKey
	if target = strings.TrimSpace(target); target != "" {
		key, err := resolveDevice(device.Devices(), target)
		if err != nil {
			return err
		}
		to = &key
	}
	if err := device.ShareFile(ctx, path, data, to); err != nil {
		return err
	}
	c.notice(fmt.Sprintf("sent %s (%d bytes)", filepath.Base(path), len(data)))
	return nil
}

func (c *console) printDevices(devices []devicesync.Device) {
	if len(devices) == 0 {
		c.notice("no other devices known yet")
		return
	}
	for index, device := range devices {
		state := c.styles.dim.Render("untrusted")
		switch {
		case device.Trusted:
			state = c.styles.ok.Render("trusted")
		case device.TrustRequested:
			state = c.styles.notice.Render("asks for trust")
		}
		c.println(fmt.Sprintf("%3d  %s  %s", index+1, device.PublicKey.Bech32(), state))
	}
}

// resolveDevice accepts a 1-based index into devices or a public key.
func resolveDevice(devices []devicesync.Device, argument string) (identity.PublicKey, error) {
	if argument == "" {
		return "", errors.New("missing device (index from /devices or npub)")
	}
	if index, err := strconv.Atoi(argument); err == nil {
		if index < 1 || index > len(devices) {
			return "", fmt.Errorf("no device %d (see /devices)", index)
		}
		return devices[index-1].PublicKey, nil
	}
	return identity.ParsePublicKey(argument)
}
