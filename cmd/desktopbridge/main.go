package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/callconsole/lib/mylog"
	"github.com/MarcGrol/callconsole/lib/mytime"
	"github.com/MarcGrol/callconsole/lib/myuuid"
	"github.com/MarcGrol/callconsole/services/desktopsession"
)

const (
	defaultBridgeAddr = "127.0.0.1:47823"
	appDirName        = "callconsole"
)

// The desktop shell starts this process, reads the capability token from the first line on stdout
// and passes it to the user-interface.
func main() {
	c := context.Background()

	sessionFile, err := sessionFilePath()
	if err != nil {
		log.Fatalf("Error determining session file: %s", err)
	}

	logger, closeLog, err := fileLogger(filepath.Join(filepath.Dir(sessionFile), "bridge.log"))
	if err != nil {
		log.Fatalf("Error opening log file: %s", err)
	}
	defer closeLog()

	capabilityToken := os.Getenv("BRIDGE_TOKEN")
	if capabilityToken == "" {
		capabilityToken = myuuid.RealUUIDer{}.Create()
	}

	store := desktopsession.NewFileStore(desktopsession.Config{
		Path:    sessionFile,
		Timeout: desktopsession.DefaultFileTimeout,
	}, mytime.RealNower{}, logger)

	service, err := desktopsession.NewWebService(store, capabilityToken, logger)
	if err != nil {
		log.Fatalf("Error creating bridge: %s", err)
	}

	router := mux.NewRouter()
	service.RegisterEndpoints(c, router)

	listener, err := listenOnLoopback(os.Getenv("BRIDGE_ADDR"))
	if err != nil {
		log.Fatalf("Error listening: %s", err)
	}

	fmt.Fprintln(os.Stdout, capabilityToken)
	logger.Log(c, "", mylog.SeverityInfo, "Bridge listening on http://%s", listener.Addr())

	err = http.Serve(listener, router)
	if err != nil {
		log.Fatalf("Error serving bridge: %s", err)
	}
}

func sessionFilePath() (string, error) {
	if path := os.Getenv("SESSION_FILE"); path != "" {
		return path, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appDirName, "session.json"), nil
}

func fileLogger(path string) (mylog.Logger, func(), error) {
	err := os.MkdirAll(filepath.Dir(path), 0o700)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}

	return mylog.NewWriterLogger("desktopbridge", f), func() {
		f.Close()
	}, nil
}

// listenOnLoopback refuses any address other processes on the network could reach
func listenOnLoopback(addr string) (net.Listener, error) {
	if addr == "" {
		addr = defaultBridgeAddr
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge address %q: %s", addr, err)
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, fmt.Errorf("bridge address %q is not a loopback address", addr)
	}

	return net.Listen("tcp", addr)
}
