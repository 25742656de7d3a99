package uart

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestSttyCommand(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  Config{DevicePath: "/dev/ttyUSB0", Baudrate: 115200},
			want: "stty -F /dev/ttyUSB0 115200 cs8 -cstopb -parenb",
		},
		{
			name: "even parity two stop bits",
			cfg: Config{
				DevicePath: "/dev/ttyACM1",
				Baudrate:   57600,
				DataBits:   7,
				StopBits:   TwoStopBits,
				Parity:     ParityEven,
			},
			want: "stty -F /dev/ttyACM1 57600 cs7 cstopb parenb -parodd",
		},
		{
			name: "odd parity",
			cfg: Config{
				DevicePath: "/dev/ttyUSB0",
				Baudrate:   9600,
				Parity:     ParityOdd,
			},
			want: "stty -F /dev/ttyUSB0 9600 cs8 -cstopb parenb parodd",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.SttyCommand(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSocatCommand(t *testing.T) {
	cfg := Config{DevicePath: "/dev/ttyUSB0", Port: 7878, Baudrate: 115200}
	want := "socat /dev/ttyUSB0,b115200,rawer,iexten=0,icanon=0,echo=0 TCP-L:7878,reuseaddr"
	if got := cfg.SocatCommand(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// fakeHost pretends to run stty/socat and serves the "bridge" from a
// local TCP listener.
type fakeHost struct {
	addr     string
	launched []string
	killed   []int
}

func (f *fakeHost) Host() string {
	host, _, _ := net.SplitHostPort(f.addr)
	return host
}

func (f *fakeHost) Launch(command string) (int, error) {
	f.launched = append(f.launched, command)
	return 4242, nil
}

func (f *fakeHost) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}

func startBridge(t *testing.T, serve func(net.Conn)) *fakeHost {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return &fakeHost{addr: ln.Addr().String()}
}

func openTestConnection(t *testing.T, serve func(net.Conn)) (*Connection, *fakeHost) {
	t.Helper()
	host := startBridge(t, serve)
	_, portStr, _ := net.SplitHostPort(host.addr)
	var port int
	for _, r := range portStr {
		port = port*10 + int(r-'0')
	}
	c := NewConnection(host, Config{DevicePath: "/dev/ttyUSB0", Port: port, Baudrate: 115200})
	if err := c.Open(time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}
	return c, host
}

func TestOpen_RunsSttyThenSocat(t *testing.T) {
	c, host := openTestConnection(t, func(conn net.Conn) {
		time.Sleep(100 * time.Millisecond)
	})
	defer c.Close()
	if len(host.launched) != 2 {
		t.Fatalf("launched = %v", host.launched)
	}
	if host.launched[0][:4] != "stty" || host.launched[1][:5] != "socat" {
		t.Fatalf("wrong bridge commands: %v", host.launched)
	}
}

func TestReadString_Terminator(t *testing.T) {
	c, _ := openTestConnection(t, func(conn net.Conn) {
		conn.Write([]byte("hello world\ntrailing"))
		time.Sleep(200 * time.Millisecond)
	})
	defer c.Close()
	got, err := c.ReadString('\n', time.Second)
	if err != nil {
		t.Fatalf("read string: %v", err)
	}
	if got != "hello world\n" {
		t.Fatalf("got %q", got)
	}
}

func TestReadExact_KeepsSurplusBuffered(t *testing.T) {
	c, _ := openTestConnection(t, func(conn net.Conn) {
		conn.Write([]byte("abcdef"))
		time.Sleep(200 * time.Millisecond)
	})
	defer c.Close()
	first, err := c.ReadExact(3, time.Second)
	if err != nil {
		t.Fatalf("read exact: %v", err)
	}
	if string(first) != "abc" {
		t.Fatalf("first = %q", first)
	}
	second, err := c.ReadExact(3, time.Second)
	if err != nil {
		t.Fatalf("read exact: %v", err)
	}
	if string(second) != "def" {
		t.Fatalf("second = %q", second)
	}
}

func TestExpectLines(t *testing.T) {
	c, _ := openTestConnection(t, func(conn net.Conn) {
		conn.Write([]byte("tick\ntock\n"))
		time.Sleep(200 * time.Millisecond)
	})
	defer c.Close()
	if err := c.ExpectLines([]string{"tick", "tock"}, time.Second); err != nil {
		t.Fatalf("expect: %v", err)
	}
}

func TestExpectLines_Mismatch(t *testing.T) {
	c, _ := openTestConnection(t, func(conn net.Conn) {
		conn.Write([]byte("boom\n"))
		time.Sleep(200 * time.Millisecond)
	})
	defer c.Close()
	if err := c.ExpectLines([]string{"tick"}, time.Second); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestReadBytes_Timeout(t *testing.T) {
	c, _ := openTestConnection(t, func(conn net.Conn) {
		time.Sleep(500 * time.Millisecond)
	})
	defer c.Close()
	if _, err := c.ReadBytes(50*time.Millisecond, 16); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClose_KillsSocat(t *testing.T) {
	c, host := openTestConnection(t, func(conn net.Conn) {
		time.Sleep(100 * time.Millisecond)
	})
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(host.killed) != 1 || host.killed[0] != 4242 {
		t.Fatalf("killed = %v", host.killed)
	}
	if _, err := c.ReadBytes(time.Millisecond, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
