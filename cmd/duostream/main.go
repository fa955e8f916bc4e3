package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	sysctl "github.com/lorenzosaino/go-sysctl"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openbci-tools/duostream"
	"github.com/openbci-tools/duostream/internal/rundb"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}
	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Could not open log file '%s'", pfname))
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkReceiveBuffer warns when the kernel's maximum UDP receive buffer is too
// small for the stream buffer a WiFi-shield board will request.
func checkReceiveBuffer() {
	if runtime.GOOS != "linux" {
		return
	}
	const wantBytes = 4 << 20
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		duostream.ProblemLogger.Printf("could not read net.core.rmem_max: %v", err)
		return
	}
	max, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return
	}
	if max < wantBytes {
		fmt.Printf("Warning: net.core.rmem_max is %d bytes; %d or more is recommended for WiFi boards.\n", max, wantBytes)
		fmt.Printf("Consider: sudo sysctl -w net.core.rmem_max=%d\n", wantBytes)
	}
}

func usageExit() {
	fmt.Fprintln(os.Stderr, "Use: duostream -set board1.yaml board2.yaml")
	os.Exit(1)
}

func main() {
	duostream.Build.Githash = githash
	duostream.Build.Date = buildDate
	duostream.Build.Summary = fmt.Sprintf("duostream version %s (git commit %s)", duostream.Build.Version, githash)

	printVersion := flag.Bool("version", false, "print version and quit")
	verbose := flag.Bool("verbose", false, "dump the parsed settings before starting")
	useSettings := flag.Bool("set", false, "load the two board settings files that follow")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is duostream version %s\n", duostream.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	if !*useSettings || flag.NArg() != 2 {
		usageExit()
	}

	problemname, err := makeFileExist("$HOME/.duostream", "problems.log")
	if err != nil {
		panic(err)
	}
	duostream.ProblemLogger = startLogger(problemname)
	fmt.Printf("Logging problems to %s\n", problemname)

	var settings []*duostream.Settings
	var boards []duostream.Board
	anyWifi := false
	for _, fname := range flag.Args() {
		s, err := duostream.ReadSettings(fname)
		if err != nil {
			fmt.Println(err)
			fmt.Println("The end")
			os.Exit(1)
		}
		fmt.Printf("Settings read successfully from %s\n", fname)
		b, err := duostream.NewBoard(s)
		if err != nil {
			fmt.Println(err)
			fmt.Println("The end")
			os.Exit(1)
		}
		if s.BoardID == duostream.BoardCytonWifi || s.BoardID == duostream.BoardCytonDaisyWifi {
			anyWifi = true
		}
		settings = append(settings, s)
		boards = append(boards, b)
	}
	if *verbose {
		fmt.Print(spew.Sdump(settings))
	}
	if anyWifi {
		checkReceiveBuffer()
	}

	abortDB := make(chan struct{})
	recorder := rundb.Start(abortDB)
	if recorder.IsConnected() {
		fmt.Println("Recording run activity to the database.")
	}

	sup := duostream.NewSupervisor(settings, boards)
	if recorder.IsConnected() {
		sup.Recorder = recorder
	}
	commands := duostream.ReadCommands(os.Stdin)
	if err := sup.Run(commands); err != nil {
		duostream.ProblemLogger.Print(err)
		fmt.Println(err)
		fmt.Println("The end")
		os.Exit(1)
	}
	close(abortDB)
	recorder.Wait()
}
