package main

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"

	"redisd/internal/server"

	"github.com/sirupsen/logrus"
)

var errInvalidReplicaOf = errors.New(`replicaof: expected "host port"`)

func main() {
	port := flag.Int("port", 6379, "Port to listen on")
	host := flag.String("host", "0.0.0.0", "Host to bind to")
	dir := flag.String("dir", ".", "Directory holding the RDB file")
	dbFilename := flag.String("dbfilename", "dump.rdb", "RDB filename to load at startup")
	replicaOf := flag.String("replicaof", "", `Master to replicate from, as "host port" (e.g. "127.0.0.1 6379")`)
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := server.Config{
		Host:       *host,
		Port:       *port,
		Dir:        *dir,
		DBFilename: *dbFilename,
		ReplicaOf:  *replicaOf,
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to start server")
	}

	if err := srv.LoadRDB(); err != nil {
		log.WithError(err).Fatal("failed to load RDB file")
	}

	if *replicaOf != "" {
		masterHost, masterPort, err := parseReplicaOf(*replicaOf)
		if err != nil {
			log.WithError(err).Fatal("invalid --replicaof")
		}
		if err := srv.ConnectToMaster(masterHost, masterPort); err != nil {
			log.WithError(err).Fatal("failed to connect to master")
		}
	}

	log.WithFields(logrus.Fields{"host": *host, "port": *port}).Info("listening")
	if err := srv.Run(); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	os.Exit(0)
}

func parseReplicaOf(s string) (string, int, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", 0, errInvalidReplicaOf
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, errInvalidReplicaOf
	}
	return fields[0], port, nil
}
