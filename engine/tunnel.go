package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/events"
	"github.com/yllada/ovpn-launcher/vpn"
)

// tunnel is one openvpn process.
type tunnel struct {
	handle vpn.Handle
	opts   Options
	log    *common.AppLogger
	onExit func()

	dir    string
	cmd    *exec.Cmd
	ln     net.Listener
	output sync.WaitGroup
	exited chan struct{}

	mu       sync.Mutex
	mgmt     net.Conn
	replaced bool

	writeMu  sync.Mutex
	authOnce sync.Once

	// Touched only by the management reader.
	lastIn, lastOut int64
}

func newTunnel(h vpn.Handle, opts Options, onExit func()) *tunnel {
	if onExit == nil {
		onExit = func() {}
	}
	return &tunnel{
		handle: h,
		opts:   opts,
		log:    opts.Logger,
		onExit: onExit,
		exited: make(chan struct{}),
	}
}

// startTunnel writes the rendered profile and credentials to a private
// directory and starts openvpn on them.
func startTunnel(h vpn.Handle, p *vpn.Profile, opts Options, onExit func()) (*tunnel, error) {
	t := newTunnel(h, opts, onExit)

	dir, err := os.MkdirTemp("", common.ConfigDirName+"-")
	if err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	t.dir = dir

	args, err := t.writeFiles(p)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(opts.ManagementHost, "0"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("opening management listener: %w", err)
	}
	t.ln = ln
	port := ln.Addr().(*net.TCPAddr).Port
	args = append(args,
		"--management", opts.ManagementHost, strconv.Itoa(port),
		"--management-client",
		"--management-hold",
		"--verb", strconv.Itoa(opts.Verb),
	)

	name := opts.Binary
	if opts.Elevate != "" {
		name = opts.Elevate
		args = append([]string{opts.Binary}, args...)
	}
	t.cmd = exec.Command(name, args...)

	stdout, err := t.cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = t.cmd.StderrPipe()
		if err == nil {
			err = t.cmd.Start()
		}
		if err == nil {
			t.output.Add(2)
			go t.scan(stdout)
			go t.scan(stderr)
		}
	}
	if err != nil {
		ln.Close()
		os.RemoveAll(dir)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", common.ErrEngineUnavailable, err)
		}
		return nil, fmt.Errorf("starting openvpn: %w", err)
	}
	t.log.Debug("OpenVPN command: %s %s", name, strings.Join(args, " "))

	go t.accept()
	go t.wait()
	return t, nil
}

func (t *tunnel) writeFiles(p *vpn.Profile) ([]string, error) {
	configPath := filepath.Join(t.dir, "client.ovpn")
	if err := os.WriteFile(configPath, []byte(p.Render()), 0600); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	args := []string{"--config", configPath}

	if p.Username != "" {
		credPath := filepath.Join(t.dir, "auth.txt")
		content := fmt.Sprintf("%s\n%s\n", p.Username, p.Password)
		if err := os.WriteFile(credPath, []byte(content), 0600); err != nil {
			return nil, fmt.Errorf("writing credentials: %w", err)
		}
		args = append(args, "--auth-user-pass", credPath)
	}
	return args, nil
}

func (t *tunnel) pid() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// wait reaps the process and reports the exit unless the tunnel was
// replaced. exited is closed before the event is published.
func (t *tunnel) wait() {
	t.output.Wait()
	err := t.cmd.Wait()

	t.ln.Close()
	t.mu.Lock()
	conn := t.mgmt
	replaced := t.replaced
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if rmErr := os.RemoveAll(t.dir); rmErr != nil {
		t.log.Warn("Failed to remove %s: %v", t.dir, rmErr)
	}
	t.onExit()
	close(t.exited)

	msg := "process exited"
	if err != nil {
		msg = err.Error()
		t.log.Warn("OpenVPN terminated: %v", err)
	} else {
		t.log.Info("OpenVPN terminated normally")
	}
	if !replaced {
		t.publish(events.StateExiting, msg, events.LevelInfo)
	}
}

// scan logs process output and picks up events the management interface
// may not have reported.
func (t *tunnel) scan(r io.Reader) {
	defer t.output.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		t.log.Debug("OpenVPN: %s", line)

		switch {
		case strings.Contains(line, "AUTH_FAILED"):
			t.authFailed(line)
		case strings.Contains(line, "Initialization Sequence Completed"):
			if !t.managed() {
				t.publish(events.StateConnected, "", events.LevelInfo)
			}
		}
	}
}

func (t *tunnel) managed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mgmt != nil
}

// accept takes the single management connection openvpn makes back to us.
func (t *tunnel) accept() {
	conn, err := t.ln.Accept()
	if err != nil {
		return
	}
	t.ln.Close()
	t.serveManagement(conn)
}

// serveManagement enables real-time notifications, releases the hold and
// translates notifications into bus traffic until conn closes.
func (t *tunnel) serveManagement(conn net.Conn) {
	t.mu.Lock()
	t.mgmt = conn
	t.mu.Unlock()
	defer conn.Close()

	for _, cmd := range []string{"state on", "bytecount 1", "hold release"} {
		if err := t.send(cmd); err != nil {
			t.log.Warn("Management command %q failed: %v", cmd, err)
			return
		}
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		t.handleLine(strings.TrimRight(scanner.Text(), "\r"))
	}
}

func (t *tunnel) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, ">STATE:"):
		st, ok := parseState(line)
		if !ok {
			t.log.Debug("Malformed state line %q", line)
			return
		}
		switch st.Name {
		case events.StateExiting:
			// Reported once the process is gone.
		case events.StateAuthFailed:
			t.authFailed(st.Description)
		default:
			if st.Name == events.StateConnected && st.LocalIP != "" {
				t.log.Info("Tunnel address %s, server %s", st.LocalIP, st.RemoteIP)
			}
			t.publish(st.Name, st.Description, events.LevelInfo)
		}
	case strings.HasPrefix(line, ">BYTECOUNT:"):
		in, out, ok := parseByteCount(line)
		if !ok {
			t.log.Debug("Malformed bytecount line %q", line)
			return
		}
		t.opts.Bus.PublishByteCount(events.ByteCount{
			In:       in,
			Out:      out,
			DeltaIn:  in - t.lastIn,
			DeltaOut: out - t.lastOut,
			Time:     time.Now(),
			Session:  string(t.handle),
		})
		t.lastIn, t.lastOut = in, out
	case strings.HasPrefix(line, ">PASSWORD:Verification Failed"):
		t.authFailed(strings.TrimPrefix(line, ">PASSWORD:"))
	case strings.HasPrefix(line, ">HOLD:"):
		if err := t.send("hold release"); err != nil {
			t.log.Warn("Failed to release hold: %v", err)
		}
	case strings.HasPrefix(line, ">FATAL:"):
		t.log.Error("OpenVPN: %s", strings.TrimPrefix(line, ">FATAL:"))
	case strings.HasPrefix(line, "ERROR:"):
		t.log.Warn("Management: %s", line)
	default:
		t.log.Debug("Management: %s", line)
	}
}

// send writes one management command.
func (t *tunnel) send(cmd string) error {
	t.mu.Lock()
	conn := t.mgmt
	t.mu.Unlock()
	if conn == nil {
		return errors.New("management interface not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(common.ManagementTimeout)); err != nil {
		return err
	}
	_, err := io.WriteString(conn, cmd+"\n")
	return err
}

func (t *tunnel) authFailed(msg string) {
	t.authOnce.Do(func() {
		t.log.Error("OpenVPN authentication failed: %s", msg)
		t.publish(events.StateAuthFailed, msg, events.LevelError)
	})
}

func (t *tunnel) publish(state, msg string, level events.Level) {
	t.opts.Bus.PublishEvent(events.NewConnectionEvent(string(t.handle), state, msg, level))
}

// stop asks openvpn to exit and kills it if it has not by the time ctx
// ends.
func (t *tunnel) stop(ctx context.Context, replace bool) error {
	t.mu.Lock()
	if replace {
		t.replaced = true
	}
	t.mu.Unlock()

	select {
	case <-t.exited:
		return nil
	default:
	}

	if err := t.send("signal SIGTERM"); err != nil {
		t.log.Debug("Signalling through management failed (%v), signalling the process", err)
		if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = t.cmd.Process.Kill()
		}
	}

	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
	}

	t.log.Warn("OpenVPN (pid %d) did not exit in time, killing it", t.pid())
	_ = t.cmd.Process.Kill()
	select {
	case <-t.exited:
		return nil
	case <-time.After(t.opts.KillTimeout):
		return fmt.Errorf("openvpn (pid %d) did not exit", t.pid())
	}
}
