package config

import (
	"bufio"
	"errors"
	"os"
	"reflect"
	"strings"
)

var (
	errNoEnvArg     = errors.New("no env arg")
	ErrInvalidArg   = errors.New("invalid arguments")
	ErrEmptyEnvFile = errors.New("environment secret file is empty")
)

func loadEnvFile(nm string) (r string, err error) {
	var fin *os.File
	if fin, err = os.Open(nm); err != nil {
		return
	}
	s := bufio.NewScanner(fin)
	s.Scan()
	if err = s.Err(); err != nil {
		fin.Close()
		return
	}
	r = s.Text()
	if err = fin.Close(); err != nil {
		return
	} else if r == `` {
		err = ErrEmptyEnvFile
	}
	return
}

func loadEnv(nm string) (s string, err error) {
	var ok bool
	if s, ok = os.LookupEnv(nm); ok {
		return
	}
	if fp, ok := os.LookupEnv(nm + `_FILE`); ok {
		s, err = loadEnvFile(fp)
	} else {
		err = errNoEnvArg
	}
	return
}

// LoadEnvVar reads envName into cnd, falling back to envName_FILE (whose
// contents are the first line of a file) and finally to defVal when
// neither is set. cnd must be a pointer to one of the supported types.
func LoadEnvVar(cnd interface{}, envName string, defVal interface{}) error {
	if cnd == nil {
		return ErrInvalidArg
	}
	if reflect.ValueOf(cnd).Kind() != reflect.Ptr {
		return ErrInvalidArg
	}

	switch v := cnd.(type) {
	case *string:
		var def string
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(string); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarString(v, envName, def)
	case *int64:
		var def int64
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(int64); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarInt64(v, envName, def)
	case *uint64:
		var def uint64
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(uint64); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarUint64(v, envName, def)
	case *uint16:
		var def uint16
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(uint16); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarUint16(v, envName, def)
	case *bool:
		var def bool
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(bool); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarBool(v, envName, def)
	case *[]string:
		return loadEnvVarList(v, envName)
	}
	return ErrInvalidArg
}

func loadEnvVarBool(cnd *bool, envName string, defVal bool) (err error) {
	if cnd == nil {
		return ErrInvalidArg
	} else if *cnd {
		return nil
	} else if len(envName) == 0 {
		return nil
	}
	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		return nil
	} else if err != nil {
		return err
	}
	*cnd, err = ParseBool(argstr)
	return
}

func loadEnvVarInt64(cnd *int64, envName string, defVal int64) (err error) {
	if cnd == nil {
		return ErrInvalidArg
	} else if *cnd != 0 {
		return nil
	} else if len(envName) == 0 {
		return nil
	}
	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		return nil
	} else if err != nil {
		return err
	}
	*cnd, err = ParseInt64(argstr)
	return
}

func loadEnvVarUint64(cnd *uint64, envName string, defVal uint64) (err error) {
	if cnd == nil {
		return ErrInvalidArg
	} else if *cnd != 0 {
		return nil
	} else if len(envName) == 0 {
		return nil
	}
	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		return nil
	} else if err != nil {
		return err
	}
	*cnd, err = ParseUint64(argstr)
	return
}

func loadEnvVarUint16(cnd *uint16, envName string, defVal uint16) (err error) {
	if cnd == nil {
		return ErrInvalidArg
	} else if *cnd != 0 {
		return nil
	} else if len(envName) == 0 {
		return nil
	}
	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		return nil
	} else if err != nil {
		return err
	}
	var v uint64
	if v, err = ParseUint64(argstr); err == nil {
		if v > 0xffff {
			err = errors.New("value overflows uint16")
		} else {
			*cnd = uint16(v)
		}
	}
	return
}

func loadEnvVarString(cnd *string, envName, defVal string) (err error) {
	if cnd == nil {
		return ErrInvalidArg
	} else if len(*cnd) > 0 {
		return nil
	} else if len(envName) == 0 {
		return nil
	}
	if *cnd, err = loadEnv(envName); err != nil {
		if err == errNoEnvArg {
			err = nil
			*cnd = defVal
		}
	}
	return
}

func loadEnvVarList(lst *[]string, envName string) error {
	if lst == nil {
		return ErrInvalidArg
	} else if len(*lst) > 0 {
		return nil
	} else if len(envName) == 0 {
		return nil
	}
	arg, err := loadEnv(envName)
	if err == errNoEnvArg {
		err = nil
		arg = ``
	} else if err != nil {
		return err
	}
	if len(arg) == 0 {
		return nil
	}
	if bits := strings.Split(arg, ","); len(bits) > 0 {
		for _, b := range bits {
			if b = strings.TrimSpace(b); len(b) > 0 {
				*lst = append(*lst, b)
			}
		}
	}
	return nil
}
