package utils

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadTOMLConfig decodes filename into cfg. Unknown keys are an error so a
// typo in a tuning file fails loudly instead of silently keeping a default.
func LoadTOMLConfig(filename string, cfg interface{}) error {
	md, err := toml.DecodeFile(filename, cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return nil
}
