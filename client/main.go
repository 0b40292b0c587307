package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

func main() {
	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Int("port", 7777, "server port")
	name := flag.String("name", "", "player name (required)")
	logPath := flag.String("log", "", "log file path (default stderr)")
	bot := flag.Bool("bot", false, "use a per-name bot identity instead of the main one")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		os.Exit(1)
	}
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: open log: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	idPath, err := identityPathFor(*name, *bot)
	if err == nil {
		var id Identity
		id, err = loadOrCreateIdentity(idPath)
		if err == nil {
			err = run(*host, *port, *name, id)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func identityPathFor(name string, bot bool) (string, error) {
	if bot {
		return botIdentityPath(name)
	}
	return identityPath()
}

func run(host string, port int, name string, id Identity) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	cache, err := NewLevelCache(filepath.Join(home, appDir, "cache"))
	if err != nil {
		return err
	}

	capture, err := NewCapture()
	if err != nil {
		return err
	}
	playback := NewPlayback(newPASink)

	client := NewGameClient(name, id, playback, capture, cache)
	if err := client.Connect(host, port); err != nil {
		return err
	}
	defer client.Close()

	fmt.Println("connected — w/a/s/d to move, m to toggle mute, q to quit")
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch scanner.Text() {
			case "w":
				client.Move(0, -1)
			case "s":
				client.Move(0, 1)
			case "a":
				client.Move(-1, 0)
			case "d":
				client.Move(1, 0)
			case "m":
				if client.ToggleMute() {
					fmt.Println("muted")
				} else {
					fmt.Println("unmuted")
				}
			case "q":
				client.Close()
				return
			}
		}
		if scanner.Err() == nil || scanner.Err() == io.EOF {
			client.Close()
		}
	}()

	<-client.Done()
	return nil
}
