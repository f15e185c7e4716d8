/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node together with the committee descriptor.
The generated configuration files particularly contain the block signing key and the network key of each node.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/sign"
	"github.com/spf13/viper"
)

func nodeIndex(name string) int {
	rs := []rune(name)
	index, err := strconv.Atoi(string(rs[4:]))
	if err != nil {
		panic(fmt.Sprintf("node name %q does not end with its index", name))
	}
	return index
}

func main() {

	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	viperRead.SetDefault("epoch", 1)
	viperRead.SetDefault("scheme", string(sign.SchemeED25519))
	viperRead.SetDefault("max_pool", 10)
	viperRead.SetDefault("log_level", 3)
	viperRead.SetDefault("data_dir", "./data")
	viperRead.SetDefault("use_tls", true)
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	clusterMapInterface := viperRead.GetStringMap("IPs")
	nodeNumber := len(clusterMapInterface)
	clusterName := make([]string, 0, nodeNumber)
	clusterMapString := make(map[string]string, nodeNumber)
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster in the config file cannot be decoded correctly")
		}
		clusterMapString[name] = addrAsString
		clusterName = append(clusterName, name)
	}
	sort.Slice(clusterName, func(i, j int) bool { return nodeIndex(clusterName[i]) < nodeIndex(clusterName[j]) })
	for i, name := range clusterName {
		if nodeIndex(name) != i {
			panic("node names must be numbered from node0 without gaps")
		}
	}

	// deal with p2p_listen_port as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("p2p_listen_port does not match with cluster")
	}
	mapNameToP2PPort := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("p2p_listen_port does not match with cluster")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			panic("p2p_listen_port contains a non-int value")
		}
		mapNameToP2PPort[name] = portAsInt
	}

	// stakes default to 1
	stakes := viperRead.GetStringMap("stakes")

	// load simple parameter
	epoch := viperRead.GetUint64("epoch")
	scheme, err := sign.ParseScheme(viperRead.GetString("scheme"))
	if err != nil {
		panic(err)
	}
	maxPool := viperRead.GetInt("max_pool")
	logLevel := viperRead.GetInt("log_level")
	useTLS := viperRead.GetBool("use_tls")
	dataDir := viperRead.GetString("data_dir")
	metricsPort := viperRead.GetInt("metrics_port")
	params := config.DefaultParameters()
	if err := viperRead.UnmarshalKey("parameters", &params); err != nil {
		panic(err)
	}
	if err := params.Validate(); err != nil {
		panic(err)
	}

	// create the block signing keys and the network keys
	descriptor := &config.Descriptor{
		Epoch:            epoch,
		Scheme:           string(scheme),
		ParametersDigest: params.Digest(),
	}
	confs := make([]*config.Config, nodeNumber)
	for i, name := range clusterName {
		privKey, pubKey, err := sign.GenKeys(scheme)
		if err != nil {
			panic(err)
		}
		netPrivKey, netPubKey := sign.GenED25519Keys()
		address := clusterMapString[name] + ":" + strconv.Itoa(mapNameToP2PPort[name])

		stake := uint64(1)
		if s, ok := stakes[name]; ok {
			if stakeAsInt, ok := s.(int); ok && stakeAsInt > 0 {
				stake = uint64(stakeAsInt)
			} else {
				panic("stakes contains a non-positive value")
			}
		}
		descriptor.Authorities = append(descriptor.Authorities, config.AuthorityEntry{
			Index:      uint32(i),
			Name:       name,
			PublicKey:  hex.EncodeToString(pubKey),
			NetworkKey: hex.EncodeToString(netPubKey),
			Address:    address,
			Stake:      stake,
		})

		conf := config.New(name, committee.AuthorityIndex(i), "0.0.0.0:"+strconv.Itoa(mapNameToP2PPort[name]),
			privKey, netPrivKey, logLevel)
		conf.MaxPool = maxPool
		conf.UseTLS = useTLS
		conf.DataDir = dataDir
		if metricsPort > 0 {
			conf.MetricsAddr = ":" + strconv.Itoa(metricsPort+i)
		}
		conf.Parameters = params
		confs[i] = conf
	}

	// the descriptor must describe a valid committee
	if _, err := descriptor.Committee(); err != nil {
		panic(err)
	}

	// write to configure files
	for i, name := range clusterName {
		if err := config.WriteConfig(confs[i], fmt.Sprintf("%s.yaml", name)); err != nil {
			panic(err)
		}
	}
	if err := config.WriteCommittee(descriptor, "committee.yaml"); err != nil {
		panic(err)
	}
	fmt.Printf("generated the configuration of %d nodes for epoch %d\n", nodeNumber, epoch)
}
