package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/lorenzosaino/go-sysctl"
	"github.com/pqmlab/pqm"
	"github.com/pqmlab/pqm/internal/pqmdb"
	"github.com/pqmlab/pqm/internal/unboundedchan"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// minSocketBuffer is the smallest net.core.wmem_max that keeps up with the scan
// publisher at full trigger rate.
const minSocketBuffer = 4 * 1024 * 1024

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
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper says where to find config files and reads one. An explicit
// configFile wins over the search path.
func setupViper(configFile string) error {
	pqm.SetViperDefaults()
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotPQM := filepath.Join(HOME, ".pqm")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotPQM, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/pqm"))
	viper.AddConfigPath(dotPQM)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probLogger := log.New(os.Stderr, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkSocketBuffers warns when the kernel caps socket send buffers below what the
// scan publisher needs.
func checkSocketBuffers() {
	value, err := sysctl.Get("net.core.wmem_max")
	if err != nil {
		pqm.UpdateLogger.Printf("Could not read net.core.wmem_max: %v", err)
		return
	}
	wmem, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return
	}
	if wmem < minSocketBuffer {
		msg := fmt.Sprintf("net.core.wmem_max is %d bytes; scan publishing may drop data below %d", wmem, minSocketBuffer)
		fmt.Println("WARNING:", msg)
		pqm.ProblemLogger.Print(msg)
	}
}

// startDatabase connects to ClickHouse when the config asks for it.
func startDatabase(abort <-chan struct{}) *pqmdb.Connection {
	if !viper.GetBool("database.enabled") {
		return pqmdb.DummyConnection()
	}
	opts := pqmdb.OptionsFromEnv()
	if addr := viper.GetString("database.addr"); addr != "" {
		opts.Addr = addr
	}
	db := pqmdb.StartConnection(opts, pqm.NewActivity(), abort)
	if !db.IsConnected() {
		pqm.ProblemLogger.Printf("Database not connected: %v", db.Err())
	}
	return db
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1)
	pqm.Build.Date = buildDate
	pqm.Build.Githash = githash
	pqm.Build.Gitdate = gitdate
	pqm.Build.Summary = fmt.Sprintf("PQM version %s (git commit %s of %s)", pqm.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		pqm.Build.Host = host
	} else {
		pqm.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	configFile := flag.String("config", "", "read this config file instead of searching for config.yaml")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is PQM version %s\n", pqm.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is PQM version %s (git commit %s)\n", pqm.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".pqm", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	pqm.ProblemLogger = startLogger(problemname)
	pqm.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	pqm.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(*configFile); err != nil {
		panic(err)
	}
	checkSocketBuffers()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	abort := make(chan struct{})
	db := startDatabase(abort)

	// Client updates queue without limit so that RPC handlers never wait on ZMQ.
	updates := unboundedchan.New[pqm.ClientUpdate]()
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return pqm.RunClientUpdater(updates.Out(), pqm.Ports.Status)
	})
	grp.Go(func() error {
		defer close(updates.In())
		return pqm.RunRPCServer(ctx, updates.In(), pqm.Ports.RPC, db)
	})
	if err := grp.Wait(); err != nil {
		pqm.ProblemLogger.Printf("PQM server stopped: %v", err)
		fmt.Printf("PQM server stopped: %v\n", err)
	}
	close(abort)
	db.Wait()
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
