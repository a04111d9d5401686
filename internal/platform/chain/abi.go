package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// The options protocol contract interfaces. Only the events the indexer
// consumes and the functions the workers call are declared.

const marketABIJSON = `[
  {"type":"event","name":"SeriesCreated","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"underlying","type":"address","indexed":false},
    {"name":"quote","type":"address","indexed":false},
    {"name":"strike","type":"uint256","indexed":false},
    {"name":"expiry","type":"uint64","indexed":false},
    {"name":"isCall","type":"bool","indexed":false},
    {"name":"baseFeeBps","type":"uint16","indexed":false}]},
  {"type":"event","name":"TradeExecuted","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"trader","type":"address","indexed":true},
    {"name":"isBuy","type":"bool","indexed":false},
    {"name":"size","type":"uint256","indexed":false},
    {"name":"premium","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"OptionExercised","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"holder","type":"address","indexed":true},
    {"name":"size","type":"uint256","indexed":false},
    {"name":"payout","type":"uint256","indexed":false}]},
  {"type":"event","name":"PositionClosed","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"account","type":"address","indexed":true},
    {"name":"isLong","type":"bool","indexed":false},
    {"name":"size","type":"uint256","indexed":false},
    {"name":"payout","type":"uint256","indexed":false}]},
  {"type":"event","name":"SeriesSettled","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"residualPremium","type":"uint256","indexed":false}]},
  {"type":"event","name":"VaultSettled","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"InsurancePremiumNotified","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Liquidated","inputs":[
    {"name":"seriesId","type":"bytes32","indexed":true},
    {"name":"account","type":"address","indexed":true},
    {"name":"initiator","type":"address","indexed":true},
    {"name":"size","type":"uint256","indexed":false},
    {"name":"payout","type":"uint256","indexed":false},
    {"name":"penalty","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferSingle","inputs":[
    {"name":"operator","type":"address","indexed":true},
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"id","type":"uint256","indexed":false},
    {"name":"value","type":"uint256","indexed":false}]},
  {"type":"event","name":"TransferBatch","inputs":[
    {"name":"operator","type":"address","indexed":true},
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"ids","type":"uint256[]","indexed":false},
    {"name":"values","type":"uint256[]","indexed":false}]},
  {"type":"function","name":"listSeriesIds","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getSeries","stateMutability":"view",
   "inputs":[{"name":"seriesId","type":"bytes32"}],
   "outputs":[
    {"name":"underlying","type":"address"},
    {"name":"quote","type":"address"},
    {"name":"strike","type":"uint256"},
    {"name":"expiry","type":"uint64"},
    {"name":"isCall","type":"bool"},
    {"name":"baseFeeBps","type":"uint16"},
    {"name":"settled","type":"bool"},
    {"name":"longOpenInterest","type":"uint256"},
    {"name":"shortOpenInterest","type":"uint256"},
    {"name":"premium","type":"uint256"}]},
  {"type":"function","name":"timeToExpiry","stateMutability":"view",
   "inputs":[{"name":"seriesId","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"settle","stateMutability":"nonpayable",
   "inputs":[{"name":"seriesId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"liquidate","stateMutability":"nonpayable",
   "inputs":[
    {"name":"seriesId","type":"bytes32"},
    {"name":"account","type":"address"},
    {"name":"size","type":"uint256"},
    {"name":"receiver","type":"address"}],"outputs":[]}
]`

const marginEngineABIJSON = `[
  {"type":"event","name":"AccountEvaluated","inputs":[
    {"name":"account","type":"address","indexed":true},
    {"name":"equity","type":"int256","indexed":false},
    {"name":"maintenance","type":"uint256","indexed":false},
    {"name":"inLiquidation","type":"bool","indexed":false}]},
  {"type":"function","name":"evaluateAccount","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"}],"outputs":[]},
  {"type":"function","name":"accountStatus","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[
    {"name":"equity","type":"int256"},
    {"name":"maintenance","type":"uint256"},
    {"name":"inLiquidation","type":"bool"}]}
]`

const ivOracleABIJSON = `[
  {"type":"function","name":"iv","stateMutability":"view",
   "inputs":[{"name":"seriesId","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"setIV","stateMutability":"nonpayable",
   "inputs":[{"name":"seriesId","type":"bytes32"},{"name":"iv","type":"uint256"}],"outputs":[]}
]`

const priceOracleABIJSON = `[
  {"type":"function","name":"spot","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	MarketABI       = mustParseABI(marketABIJSON)
	MarginEngineABI = mustParseABI(marginEngineABIJSON)
	IVOracleABI     = mustParseABI(ivOracleABIJSON)
	PriceOracleABI  = mustParseABI(priceOracleABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
