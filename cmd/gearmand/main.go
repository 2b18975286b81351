package main

import (
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/codegangsta/cli"
	"github.com/leonardolima-youdb/gearmand"
	"github.com/leonardolima-youdb/gearmand/client"
	"github.com/leonardolima-youdb/gearmand/driver"
	"github.com/leonardolima-youdb/gearmand/driver/ledis"
	"github.com/leonardolima-youdb/gearmand/driver/leveldb"
	"github.com/leonardolima-youdb/gearmand/driver/redis"
	"github.com/leonardolima-youdb/gearmand/protocol"
	ledisConfig "github.com/ledisdb/ledisdb/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "gearmand"
	app.Usage = "Job queue server"
	app.Version = gearmand.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "H",
			Value:  "tcp://127.0.0.1:4730",
			Usage:  "the server address eg: tcp://127.0.0.1:4730",
			EnvVar: "GEARMAND_PORT",
		},
		cli.IntFlag{
			Name:  "threads",
			Value: 2,
			Usage: "the I/O thread count, 1 runs without a processing thread",
		},
		cli.StringFlag{
			Name:  "driver",
			Value: "memstore",
			Usage: "The driver [memstore, leveldb, redis, ledis]",
		},
		cli.StringFlag{
			Name:  "dbpath",
			Value: "leveldb",
			Usage: "The db path, required for driver leveldb and ledis",
		},
		cli.StringFlag{
			Name:  "redis",
			Value: "tcp://127.0.0.1:6379",
			Usage: "The redis server address, required for driver redis",
		},
		cli.StringFlag{
			Name:  "api",
			Value: "",
			Usage: "The HTTP api address eg: 127.0.0.1:5001",
		},
		cli.IntFlag{
			Name:   "cpus",
			Value:  runtime.NumCPU(),
			Usage:  "The runtime.GOMAXPROCS",
			EnvVar: "GOMAXPROCS",
		},
		cli.StringFlag{
			Name:  "cpuprofile",
			Value: "",
			Usage: "write cpu profile to file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "status",
			Usage: "Show status",
			Action: func(c *cli.Context) {
				showStatus(c.GlobalString("H"))
			},
		},
		{
			Name:  "submit",
			Usage: "Submit job",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "f",
					Value: "",
					Usage: "function name",
				},
				cli.StringFlag{
					Name:  "n",
					Value: "",
					Usage: "job name",
				},
				cli.StringFlag{
					Name:  "args",
					Value: "",
					Usage: "job workload",
				},
				cli.IntFlag{
					Name:  "t",
					Value: 0,
					Usage: "job running timeout",
				},
				cli.IntFlag{
					Name:  "sched_later",
					Value: 0,
					Usage: "job sched_later",
				},
			},
			Action: func(c *cli.Context) {
				var job = driver.Job{
					Name:    c.String("n"),
					Func:    c.String("f"),
					Args:    c.String("args"),
					Timeout: int64(c.Int("t")),
				}
				if len(job.Name) == 0 || len(job.Func) == 0 {
					cli.ShowCommandHelp(c, "submit")
					log.Fatal("Job name and func is require")
				}
				job.SchedAt = time.Now().Unix() + int64(c.Int("sched_later"))
				withClient(c.GlobalString("H"), func(cl *client.Client) error {
					return cl.SubmitJob(job)
				})
			},
		},
		{
			Name:  "remove",
			Usage: "Remove job",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "f",
					Value: "",
					Usage: "function name",
				},
				cli.StringFlag{
					Name:  "n",
					Value: "",
					Usage: "job name",
				},
			},
			Action: func(c *cli.Context) {
				var job = driver.Job{
					Name: c.String("n"),
					Func: c.String("f"),
				}
				if len(job.Name) == 0 || len(job.Func) == 0 {
					cli.ShowCommandHelp(c, "remove")
					log.Fatal("Job name and func is require")
				}
				withClient(c.GlobalString("H"), func(cl *client.Client) error {
					return cl.RemoveJob(job)
				})
			},
		},
		{
			Name:  "drop",
			Usage: "Drop func",
			Action: func(c *cli.Context) {
				name := c.Args().First()
				if name == "" {
					cli.ShowCommandHelp(c, "drop")
					log.Fatal("Func is require")
				}
				withClient(c.GlobalString("H"), func(cl *client.Client) error {
					return cl.DropFunc(name)
				})
			},
		},
		{
			Name:  "dump",
			Usage: "Dump jobs to file",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "o",
					Value: "dump.db",
					Usage: "output file",
				},
			},
			Action: func(c *cli.Context) {
				fp, err := os.Create(c.String("o"))
				if err != nil {
					log.Fatal(err)
				}
				defer fp.Close()
				withClient(c.GlobalString("H"), func(cl *client.Client) error {
					return cl.Dump(fp)
				})
			},
		},
		{
			Name:  "load",
			Usage: "Load jobs from a dump file",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "i",
					Value: "dump.db",
					Usage: "input file",
				},
			},
			Action: func(c *cli.Context) {
				fp, err := os.Open(c.String("i"))
				if err != nil {
					log.Fatal(err)
				}
				defer fp.Close()
				withClient(c.GlobalString("H"), func(cl *client.Client) error {
					return cl.Load(fp)
				})
			},
		},
		{
			Name:  "run",
			Usage: "Run a shell command worker",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "f",
					Value: "",
					Usage: "function name",
				},
				cli.StringFlag{
					Name:  "exec",
					Value: "",
					Usage: "command to run for each job",
				},
			},
			Action: func(c *cli.Context) {
				if c.String("f") == "" || c.String("exec") == "" {
					cli.ShowCommandHelp(c, "run")
					log.Fatal("func and exec is require")
				}
				client.Run(c.GlobalString("H"), c.String("f"), c.String("exec"))
			},
		},
	}
	app.Action = serve
	app.Run(os.Args)
}

func serve(c *cli.Context) {
	runtime.GOMAXPROCS(c.Int("cpus"))
	if profile := c.String("cpuprofile"); profile != "" {
		fp, err := os.Create(profile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(fp)
		defer pprof.StopCPUProfile()
	}

	store := openStore(c)
	server := gearmand.NewServer(store)
	for i := 0; i < c.Int("threads"); i++ {
		if _, err := gearmand.NewIOThread(server); err != nil {
			log.Fatal(err)
		}
	}

	go handleSignals(server)
	if api := c.String("api"); api != "" {
		go gearmand.StartHTTPServer(api, server)
	}
	if err := server.Serve(c.String("H")); err != nil {
		log.Fatal(err)
	}
	server.Close()
}

func openStore(c *cli.Context) driver.StoreDriver {
	switch c.String("driver") {
	case "leveldb":
		store, err := leveldb.NewLevelDBDriver(c.String("dbpath"))
		if err != nil {
			log.Fatal(err)
		}
		return store
	case "redis":
		return redis.NewRedisDriver(c.String("redis"))
	case "ledis":
		cfg := ledisConfig.NewConfigDefault()
		cfg.DataDir = c.String("dbpath")
		store, err := ledis.NewLedisDriver(cfg)
		if err != nil {
			log.Fatal(err)
		}
		return store
	}
	return driver.NewMemStoreDriver()
}

// handleSignals maps SIGINT to an immediate shutdown and SIGTERM to a
// graceful drain.
func handleSignals(server *gearmand.Server) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	for sig := range ch {
		if sig == syscall.SIGTERM {
			log.Printf("[gearmand] graceful shutdown, %d jobs left\n", server.JobCount())
			server.ShutdownGraceful()
		} else {
			log.Printf("[gearmand] shutdown\n")
			server.Shutdown()
		}
	}
}

func showStatus(entryPoint string) {
	withClient(entryPoint, func(cl *client.Client) error {
		lines, err := cl.Status()
		if err != nil {
			return err
		}
		for _, line := range lines {
			if len(line) != 4 {
				continue
			}
			log.Printf("Func: %s\tWorker: %s\tJob: %s\tProcessing: %s\n",
				line[0], line[1], line[2], line[3])
		}
		return nil
	})
}

func withClient(entryPoint string, fn func(*client.Client) error) {
	cl, err := client.Dial(entryPoint, protocol.TYPECLIENT)
	if err != nil {
		log.Fatal(err)
	}
	defer cl.Close()
	if err := fn(cl); err != nil {
		log.Fatal(err)
	}
}
