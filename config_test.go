package distobj

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test240_config_defaults_and_validation(t *testing.T) {

	cv.Convey("NewConfig is valid; nonsense settings are not", t, func() {
		cv.So(NewConfig().Validate(), cv.ShouldBeNil)

		bad := []func(c *Config){
			func(c *Config) { c.RequestTimeout = 0 },
			func(c *Config) { c.ReplyTimeout = -time.Second },
			func(c *Config) { c.KeepAliveInterval = -1 },
			func(c *Config) { c.MaxFrameSize = -1 },
			func(c *Config) { c.ConversationPolicy = "random" },
			func(c *Config) { c.Compression = "gzip" },
			func(c *Config) { c.ProtocolVersion = "one" },
		}
		for _, mod := range bad {
			c := NewConfig()
			mod(c)
			cv.So(c.Validate(), cv.ShouldNotBeNil)
			_, err := newConnection(nil, nil, c, nil)
			cv.So(err, cv.ShouldNotBeNil)
		}
	})
}

func Test241_config_file_round_trip(t *testing.T) {

	cv.Convey("SaveConfig then LoadConfig gives back the settings; a missing file gives the defaults", t, func() {
		path := DefaultConfigPath()
		cv.So(strings.HasPrefix(path, os.Getenv("XDG_CONFIG_HOME")), cv.ShouldBeTrue)
		os.Remove(path)

		cfg, err := LoadConfig(path)
		panicOn(err)
		cv.So(cfg, cv.ShouldResemble, NewConfig())

		cfg.RequestTimeout = 3 * time.Second
		cfg.Compression = "zstd"
		cfg.ConversationPolicy = SharedQueue
		cfg.KeepAliveInterval = 15 * time.Second
		panicOn(SaveConfig(path, cfg))

		data, err := os.ReadFile(path)
		panicOn(err)
		cv.So(string(data), cv.ShouldContainSubstring, "request_timeout: 3s")

		back, err := LoadConfig(path)
		panicOn(err)
		cv.So(back, cv.ShouldResemble, cfg)

		panicOn(os.WriteFile(path, []byte("compression: brotli\n"), 0600))
		_, err = LoadConfig(path)
		cv.So(err, cv.ShouldNotBeNil)
		os.Remove(path)
	})
}

func Test242_config_watcher_sees_rewrites(t *testing.T) {

	cv.Convey("WatchConfig reloads the file after each write and skips invalid versions", t, func() {
		dir, err := os.MkdirTemp("", "distobj-watch")
		panicOn(err)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "config.yaml")
		panicOn(os.WriteFile(path, []byte("request_timeout: 1s\n"), 0600))

		got := make(chan *Config, 10)
		w, err := WatchConfig(path, func(c *Config) { got <- c })
		panicOn(err)
		defer w.Close()

		writeAtomic(path, "request_timeout: 5s\n")
		select {
		case c := <-got:
			cv.So(c.RequestTimeout, cv.ShouldEqual, 5*time.Second)
		case <-time.After(5 * time.Second):
			panic("config change not seen")
		}
		cv.So(w.Last().RequestTimeout, cv.ShouldEqual, 5*time.Second)

		// an invalid file is skipped.
		writeAtomic(path, "request_timeout: -5s\n")
		time.Sleep(200 * time.Millisecond)
		cv.So(w.Last().RequestTimeout, cv.ShouldEqual, 5*time.Second)

		// a different file in the same dir is ignored.
		writeAtomic(filepath.Join(dir, "other.yaml"), "request_timeout: 9s\n")
		time.Sleep(200 * time.Millisecond)
		for len(got) > 0 {
			c := <-got
			cv.So(c.RequestTimeout, cv.ShouldEqual, 5*time.Second)
		}
	})
}

// writeAtomic replaces path in one rename, so a watcher never
// reads a half written file.
func writeAtomic(path, content string) {
	tmp := path + ".tmp"
	panicOn(os.WriteFile(tmp, []byte(content), 0600))
	panicOn(os.Rename(tmp, path))
}
