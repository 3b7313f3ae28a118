package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// envName maps a flag such as "p2p.listen" to AEQUA_P2P_LISTEN.
func envName(flagName string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return "AEQUA_" + strings.ToUpper(r.Replace(flagName))
}

// applyEnv sets every flag not given on the command line from its AEQUA_*
// environment variable, if present.
func applyEnv(fs *flag.FlagSet) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || err != nil {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if e := fs.Set(f.Name, v); e != nil {
			err = fmt.Errorf("%s: %w", envName(f.Name), e)
		}
	})
	return err
}
