// Command x79d8 serves an encrypted, block-addressed virtual filesystem
// over a loopback FTP endpoint. See `x79d8 init --help` and
// `x79d8 serve --help`.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fclairamb/ftpserverlib"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quark-zju/x79d8/internal/blockcodec"
	"github.com/quark-zju/x79d8/internal/blockstore"
	"github.com/quark-zju/x79d8/internal/config"
	"github.com/quark-zju/x79d8/internal/flusher"
	"github.com/quark-zju/x79d8/internal/ftpbridge"
	"github.com/quark-zju/x79d8/internal/objectlayer"
	"github.com/quark-zju/x79d8/internal/vfs"
	"github.com/quark-zju/x79d8/internal/wal"
	"github.com/quark-zju/x79d8/internal/xerrors"
)

// Exit codes: 0 success, 2 usage error, 3 bad password, 4 store
// corrupt/WAL unrecoverable, 5 I/O error.
const (
	exitOK           = 0
	exitUsage        = 2
	exitBadPassword  = 3
	exitStoreCorrupt = 4
	exitIoError      = 5
)

var log = logrus.New()

func main() {
	configureLogging()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func configureLogging() {
	level := logrus.WarnLevel
	if raw := os.Getenv("X79D8_LOG"); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		} else {
			fmt.Fprintf(os.Stderr, "x79d8: ignoring unrecognized X79D8_LOG=%q\n", raw)
		}
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func exitCodeFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.BadPassword:
		return exitBadPassword
	case xerrors.ConfigMissing, xerrors.ConfigCorrupt, xerrors.WalCorrupt, xerrors.CorruptBlock, xerrors.NoSuchBlock:
		return exitStoreCorrupt
	case xerrors.IoError:
		return exitIoError
	default:
		return exitUsage
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "x79d8",
		Short: "encrypted block-addressed store exposed over loopback FTP",
	}
	root.AddCommand(initCmd(), serveCmd())
	return root
}

func initCmd() *cobra.Command {
	var blockSizeKB, scryptLogN int
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "create a new store in an empty directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := storeDir(args)
			if _, err := config.Init(dir, blockSizeKB, scryptLogN); err != nil {
				return err
			}
			log.WithField("dir", dir).Info("store initialized")
			return nil
		},
	}
	cmd.Flags().IntVar(&blockSizeKB, "block-size-kb", config.DefaultBlockSizeKB, "block size in KiB")
	cmd.Flags().IntVar(&scryptLogN, "scrypt-log-n", config.DefaultScryptLogN, "scrypt log2(N) cost parameter")
	return cmd
}

func serveCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve [dir]",
		Short: "unlock the store and serve it over loopback FTP until signaled",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(storeDir(args), bind)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "127.0.0.1:7968", "loopback address to listen on")
	return cmd
}

func storeDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// requireLoopback refuses to bind to anything but a loopback address, per
// any bind to a non-loopback address must be refused at
// startup".
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return xerrors.Wrap(xerrors.IoError, "serve", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if host == "localhost" {
			return nil
		}
		return xerrors.New(xerrors.IoError, "serve", addr+" is not loopback")
	}
	if !ip.IsLoopback() {
		return xerrors.New(xerrors.IoError, "serve", addr+" is not loopback")
	}
	return nil
}

func runServe(dir, bind string) error {
	if err := requireLoopback(bind); err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	password, err := promptPassword()
	if err != nil {
		return xerrors.Wrap(xerrors.IoError, "serve", "", err)
	}
	key, established, err := cfg.Unlock(password)
	if err != nil {
		return err
	}
	if established {
		if err := cfg.Save(dir); err != nil {
			return err
		}
		log.Info("password established for this store")
	}

	codec, err := blockcodec.New(key, cfg.BlockSize)
	if err != nil {
		return err
	}
	store, err := blockstore.Open(dir, cfg.BlockSize)
	if err != nil {
		return err
	}
	w, err := wal.Open(dir, codec, store, log.WithField("store", dir))
	if err != nil {
		return err
	}
	ol, fresh, err := objectlayer.Open(store, codec, log.WithField("store", dir))
	if err != nil {
		return err
	}
	tree, err := vfs.Open(ol, fresh, log.WithField("store", dir))
	if err != nil {
		return err
	}

	fl := flusher.New(ol, tree, w, store, codec, flusher.DefaultIdle, log.WithField("store", dir))
	driver := ftpbridge.NewDriver(bind, tree, fl, log.WithField("store", dir))
	server := ftpserver.NewFtpServer(driver)

	serverErrs := make(chan error, 1)
	go func() {
		serverErrs <- server.ListenAndServe()
	}()
	log.WithField("bind", bind).Info("serving")

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.WithField("signal", sig).Info("shutting down")
		go func() {
			if sig2, ok := <-sigc; ok {
				log.WithField("signal", sig2).Warn("second signal received, aborting immediately")
				os.Exit(exitIoError)
			}
		}()
		if err := server.Stop(); err != nil {
			log.WithError(err).Warn("error stopping ftp listener")
		}
		if err := fl.Shutdown(); err != nil {
			log.WithError(err).Error("final flush failed")
			return err
		}
		return nil
	case err := <-serverErrs:
		if err != nil {
			return xerrors.Wrap(xerrors.IoError, "serve", bind, err)
		}
		return nil
	}
}

// promptPassword reads from the controlling terminal when stdin is a
// TTY, and a single line from stdin otherwise, mirroring the
// terminal-vs-pipe split this repository's password-entry code follows.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			sb.WriteByte(buf[0])
		}
		if err != nil {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\r"), nil
}
