package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/shadoworders/keeper/pkg/secretstore"
	"github.com/shadoworders/keeper/pkg/wallet"
)

// 把 keeper 私钥或助记词写入加密的 badger secretstore。
// 来源：-from-env 指定的 .env 文件（KEEPER_PRIVATE_KEY / KEEPER_MNEMONIC），否则从 stdin 读取。
func main() {
	var (
		dbPath    = flag.String("path", getenv("KEEPER_SECRET_STORE_PATH", "data/secrets.badger"), "secretstore 路径")
		secretKey = flag.String("secret-key", getenv("KEEPER_SECRET_STORE_KEY", ""), "加密密钥（32 字节 base64/hex）")
		kind      = flag.String("kind", "mnemonic", "写入类型：mnemonic | private_key")
		derivPath = flag.String("derivation-path", wallet.DefaultDerivationPath, "助记词派生路径")
		fromEnv   = flag.String("from-env", "", "从 .env 文件导入（可选）")
		force     = flag.Bool("force", false, "覆盖已有的值")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(errors.New("secret key is required: set KEEPER_SECRET_STORE_KEY or pass -secret-key"))
	}

	var storeKey string
	switch *kind {
	case "mnemonic":
		storeKey = secretstore.KeyMnemonic
	case "private_key":
		storeKey = secretstore.KeyPrivateKey
	default:
		fatal(fmt.Errorf("unknown -kind %q", *kind))
	}

	value, err := readSecret(*kind, *fromEnv)
	if err != nil {
		fatal(err)
	}

	// 写入前先校验能否得到 keeper 地址
	src := wallet.Source{DerivationPath: *derivPath}
	if *kind == "mnemonic" {
		src.Mnemonic = value
	} else {
		src.PrivateKey = value
	}
	k, err := wallet.Load(src)
	if err != nil {
		fatal(err)
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{Path: *dbPath, EncryptionKey: keyBytes})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if old, ok, err := ss.GetString(storeKey); err != nil {
		fatal(err)
	} else if ok && old != "" && !*force {
		fatal(fmt.Errorf("%s already exists in %s (use -force to overwrite)", storeKey, *dbPath))
	}
	if err := ss.SetString(storeKey, value); err != nil {
		fatal(err)
	}
	if *kind == "mnemonic" {
		if err := ss.SetString(secretstore.KeyDerivationPath, *derivPath); err != nil {
			fatal(err)
		}
	}
	fmt.Fprintf(os.Stderr, "已写入 %s：%s（keeper 地址 %s）\n", storeKey, *dbPath, k.Address.Hex())
}

func readSecret(kind, envFile string) (string, error) {
	if envFile != "" {
		kv, err := godotenv.Read(envFile)
		if err != nil {
			return "", err
		}
		name := "KEEPER_MNEMONIC"
		if kind == "private_key" {
			name = "KEEPER_PRIVATE_KEY"
		}
		v := strings.TrimSpace(kv[name])
		if v == "" {
			return "", fmt.Errorf("%s not found in %s", name, envFile)
		}
		return v, nil
	}

	if kind == "mnemonic" {
		fmt.Fprintln(os.Stderr, "请输入助记词（12/15/18/21/24 个单词），输入完成后回车：")
	} else {
		fmt.Fprintln(os.Stderr, "请输入私钥（hex），输入完成后回车：")
	}
	s, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("input is empty")
	}
	return s, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
